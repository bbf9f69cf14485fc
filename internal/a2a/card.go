package a2a

// AgentCard is the public discovery document served at
// /.well-known/agent-card.json.
type AgentCard struct {
	Name               string                    `json:"name"`
	Description        string                    `json:"description"`
	URL                string                    `json:"url"`
	Version            string                    `json:"version"`
	DefaultInputModes  []string                  `json:"defaultInputModes"`
	DefaultOutputModes []string                  `json:"defaultOutputModes"`
	Capabilities       CardCapabilities          `json:"capabilities"`
	Skills             []CardSkill               `json:"skills"`
	SecuritySchemes    map[string]SecurityScheme `json:"securitySchemes,omitempty"`
	Security           []map[string][]string     `json:"security,omitempty"`
}

// CardCapabilities advertises optional protocol features.
type CardCapabilities struct {
	Streaming              bool `json:"streaming"`
	PushNotifications      bool `json:"pushNotifications"`
	StateTransitionHistory bool `json:"stateTransitionHistory"`
}

// CardSkill describes one addressable agent.
type CardSkill struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Tags        []string `json:"tags,omitempty"`
	InputModes  []string `json:"inputModes,omitempty"`
	OutputModes []string `json:"outputModes,omitempty"`
}

// SecurityScheme describes an authentication scheme.
type SecurityScheme struct {
	Type         string `json:"type"`
	Scheme       string `json:"scheme,omitempty"`
	BearerFormat string `json:"bearerFormat,omitempty"`
}

// SupportedInputModes are the MIME types accepted in message parts.
var SupportedInputModes = []string{
	"text",
	"image/png",
	"image/jpeg",
	"image/gif",
	"image/webp",
	"application/pdf",
}

// SupportedOutputModes are the MIME types produced in replies.
var SupportedOutputModes = []string{"text"}
