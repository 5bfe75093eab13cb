package schema

import (
	"regexp"
	"sort"
	"strings"
)

// ProviderType identifies the external AI provider family a credential belongs to.
type ProviderType string

const (
	ProviderOpenAI      ProviderType = "openai"
	ProviderAnthropic   ProviderType = "anthropic"
	ProviderGoogle      ProviderType = "google"
	ProviderAzureOpenAI ProviderType = "azure_openai"
	ProviderCohere      ProviderType = "cohere"
	ProviderMistral     ProviderType = "mistral"
	ProviderGroq        ProviderType = "groq"
	ProviderHuggingFace ProviderType = "huggingface"
	ProviderReplicate   ProviderType = "replicate"
	ProviderTogether    ProviderType = "together"
	ProviderDeepSeek    ProviderType = "deepseek"
	ProviderPerplexity  ProviderType = "perplexity"
	ProviderOpenRouter  ProviderType = "openrouter"
	ProviderXAI         ProviderType = "xai"
	ProviderOllama      ProviderType = "ollama"
	ProviderCustom      ProviderType = "custom"
)

// Capability is a feature a provider supports by default.
type Capability string

const (
	CapabilityChat       Capability = "chat"
	CapabilityCompletion Capability = "completion"
	CapabilityEmbeddings Capability = "embeddings"
	CapabilityImages     Capability = "images"
	CapabilityAudio      Capability = "audio"
	CapabilityTools      Capability = "tools"
	CapabilityVision     Capability = "vision"
)

// ProviderSpec is the fixed data carried by each ProviderType.
type ProviderSpec struct {
	// KeyPattern validates API key shape; nil accepts anything.
	KeyPattern   *regexp.Regexp
	Capabilities []Capability
	// TokenURL is the OAuth2 token endpoint; empty means not refreshable by default.
	TokenURL string
}

// AllProviderTypes lists every known provider type.
var AllProviderTypes = []ProviderType{
	ProviderOpenAI, ProviderAnthropic, ProviderGoogle, ProviderAzureOpenAI,
	ProviderCohere, ProviderMistral, ProviderGroq, ProviderHuggingFace,
	ProviderReplicate, ProviderTogether, ProviderDeepSeek, ProviderPerplexity,
	ProviderOpenRouter, ProviderXAI, ProviderOllama, ProviderCustom,
}

var (
	chatTools   = []Capability{CapabilityChat, CapabilityTools}
	chatToolsVE = []Capability{CapabilityChat, CapabilityTools, CapabilityVision, CapabilityEmbeddings}

	specOpenAI = ProviderSpec{
		KeyPattern:   regexp.MustCompile(`^sk-[A-Za-z0-9_-]{20,}$`),
		Capabilities: []Capability{CapabilityChat, CapabilityCompletion, CapabilityEmbeddings, CapabilityImages, CapabilityAudio, CapabilityTools, CapabilityVision},
	}
	specAnthropic = ProviderSpec{
		KeyPattern:   regexp.MustCompile(`^sk-ant-[A-Za-z0-9_-]{20,}$`),
		Capabilities: []Capability{CapabilityChat, CapabilityTools, CapabilityVision},
	}
	specGoogle = ProviderSpec{
		KeyPattern:   regexp.MustCompile(`^AIza[0-9A-Za-z_-]{35}$`),
		Capabilities: chatToolsVE,
		TokenURL:     "https://oauth2.googleapis.com/token",
	}
	specAzureOpenAI = ProviderSpec{
		KeyPattern:   regexp.MustCompile(`^[a-fA-F0-9]{32}$`),
		Capabilities: chatToolsVE,
		TokenURL:     "https://login.microsoftonline.com/common/oauth2/v2.0/token",
	}
	specCohere = ProviderSpec{
		KeyPattern:   regexp.MustCompile(`^[A-Za-z0-9]{40}$`),
		Capabilities: []Capability{CapabilityChat, CapabilityEmbeddings, CapabilityTools},
	}
	specMistral = ProviderSpec{
		KeyPattern:   regexp.MustCompile(`^[A-Za-z0-9]{32}$`),
		Capabilities: []Capability{CapabilityChat, CapabilityEmbeddings, CapabilityTools},
	}
	specGroq = ProviderSpec{
		KeyPattern:   regexp.MustCompile(`^gsk_[A-Za-z0-9]{52}$`),
		Capabilities: chatTools,
	}
	specHuggingFace = ProviderSpec{
		KeyPattern:   regexp.MustCompile(`^hf_[A-Za-z0-9]{34,}$`),
		Capabilities: []Capability{CapabilityChat, CapabilityCompletion, CapabilityEmbeddings},
		TokenURL:     "https://huggingface.co/oauth/token",
	}
	specReplicate = ProviderSpec{
		KeyPattern:   regexp.MustCompile(`^r8_[A-Za-z0-9]{37,}$`),
		Capabilities: []Capability{CapabilityCompletion, CapabilityImages, CapabilityAudio},
	}
	specTogether = ProviderSpec{
		KeyPattern:   regexp.MustCompile(`^[a-f0-9]{64}$`),
		Capabilities: []Capability{CapabilityChat, CapabilityCompletion, CapabilityEmbeddings},
	}
	specDeepSeek = ProviderSpec{
		KeyPattern:   regexp.MustCompile(`^sk-[a-f0-9]{32}$`),
		Capabilities: chatTools,
	}
	specPerplexity = ProviderSpec{
		KeyPattern:   regexp.MustCompile(`^pplx-[A-Za-z0-9]{48}$`),
		Capabilities: []Capability{CapabilityChat},
	}
	specOpenRouter = ProviderSpec{
		KeyPattern:   regexp.MustCompile(`^sk-or-v1-[a-f0-9]{64}$`),
		Capabilities: chatTools,
	}
	specXAI = ProviderSpec{
		KeyPattern:   regexp.MustCompile(`^xai-[A-Za-z0-9]{80}$`),
		Capabilities: []Capability{CapabilityChat, CapabilityTools, CapabilityVision},
	}
	specOllama = ProviderSpec{
		Capabilities: []Capability{CapabilityChat, CapabilityCompletion, CapabilityEmbeddings},
	}
	specCustom = ProviderSpec{
		Capabilities: []Capability{CapabilityChat},
	}
)

// Spec returns the fixed validation pattern, capabilities and token endpoint of t.
// Unknown types get the custom spec.
func (t ProviderType) Spec() ProviderSpec {
	switch t {
	case ProviderOpenAI:
		return specOpenAI
	case ProviderAnthropic:
		return specAnthropic
	case ProviderGoogle:
		return specGoogle
	case ProviderAzureOpenAI:
		return specAzureOpenAI
	case ProviderCohere:
		return specCohere
	case ProviderMistral:
		return specMistral
	case ProviderGroq:
		return specGroq
	case ProviderHuggingFace:
		return specHuggingFace
	case ProviderReplicate:
		return specReplicate
	case ProviderTogether:
		return specTogether
	case ProviderDeepSeek:
		return specDeepSeek
	case ProviderPerplexity:
		return specPerplexity
	case ProviderOpenRouter:
		return specOpenRouter
	case ProviderXAI:
		return specXAI
	case ProviderOllama:
		return specOllama
	default:
		return specCustom
	}
}

// Known reports whether t is one of AllProviderTypes.
func (t ProviderType) Known() bool {
	for _, p := range AllProviderTypes {
		if p == t {
			return true
		}
	}
	return false
}

// byPrefixLength is AllProviderTypes ordered longest first so "openrouter-1"
// resolves to openrouter rather than openai-like shorter prefixes.
var byPrefixLength = func() []ProviderType {
	out := append([]ProviderType(nil), AllProviderTypes...)
	sort.SliceStable(out, func(i, j int) bool { return len(out[i]) > len(out[j]) })
	return out
}()

// ParseProviderType maps a provider identifier such as "openai-1" or
// "azure_openai_eu" to its type by longest known prefix. Unknown → custom.
func ParseProviderType(providerID string) ProviderType {
	id := strings.ToLower(providerID)
	for _, t := range byPrefixLength {
		p := string(t)
		if id == p || strings.HasPrefix(id, p+"-") || strings.HasPrefix(id, p+"_") || strings.HasPrefix(id, p+":") {
			return t
		}
	}
	return ProviderCustom
}
