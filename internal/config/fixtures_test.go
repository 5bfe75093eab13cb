package config

import "github.com/rendis/credvault/pkg/schema"

func bundleFixture() schema.Bundle {
	return schema.Bundle{APIKey: "sk-aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"}
}
