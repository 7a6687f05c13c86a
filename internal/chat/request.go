package chat

import (
	"net/url"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/ent0n29/avatarchat/internal/conversation"
)

const (
	DefaultAPIVersion = "2023-06-01-preview"

	dataSourceCognitiveSearch = "AzureCognitiveSearch"
)

// DataSource describes a grounding index for the extensions endpoint.
type DataSource struct {
	Type       string           `json:"type"`
	Parameters SearchParameters `json:"parameters"`
}

type SearchParameters struct {
	Endpoint              string        `json:"endpoint"`
	Key                   string        `json:"key"`
	IndexName             string        `json:"indexName"`
	SemanticConfiguration string        `json:"semanticConfiguration"`
	QueryType             string        `json:"queryType"`
	FieldsMapping         FieldsMapping `json:"fieldsMapping"`
	InScope               bool          `json:"inScope"`
	RoleInformation       string        `json:"roleInformation"`
}

type FieldsMapping struct {
	ContentFieldsSeparator string   `json:"contentFieldsSeparator"`
	ContentFields          []string `json:"contentFields"`
	FilepathField          *string  `json:"filepathField"`
	TitleField             *string  `json:"titleField"`
	URLField               *string  `json:"urlField"`
}

// CognitiveSearchSource builds the search data source. The system prompt is
// carried as role information.
func CognitiveSearchSource(endpoint, key, indexName, roleInformation string) DataSource {
	title := "title"
	return DataSource{
		Type: dataSourceCognitiveSearch,
		Parameters: SearchParameters{
			Endpoint:              endpoint,
			Key:                   key,
			IndexName:             indexName,
			SemanticConfiguration: "",
			QueryType:             "simple",
			FieldsMapping: FieldsMapping{
				ContentFieldsSeparator: "\n",
				ContentFields:          []string{"content"},
				TitleField:             &title,
			},
			InScope:         true,
			RoleInformation: roleInformation,
		},
	}
}

// Request is the streaming completion payload.
type Request struct {
	DataSources []DataSource                   `json:"dataSources,omitempty"`
	Messages    []openai.ChatCompletionMessage `json:"messages"`
	Stream      bool                           `json:"stream"`
}

// Grounded reports whether the request targets the extensions endpoint.
func (r Request) Grounded() bool {
	return len(r.DataSources) > 0
}

// BuildRequest converts the transcript into a streaming request.
func BuildRequest(turns []conversation.Turn, sources []DataSource) Request {
	msgs := make([]openai.ChatCompletionMessage, 0, len(turns))
	for _, t := range turns {
		msgs = append(msgs, toMessage(t))
	}
	return Request{
		DataSources: sources,
		Messages:    msgs,
		Stream:      true,
	}
}

func toMessage(t conversation.Turn) openai.ChatCompletionMessage {
	msg := openai.ChatCompletionMessage{Role: string(t.Role)}
	if len(t.Parts) == 0 {
		msg.Content = t.Content
		return msg
	}
	parts := make([]openai.ChatMessagePart, 0, len(t.Parts))
	for _, p := range t.Parts {
		switch p.Type {
		case conversation.PartImageURL:
			parts = append(parts, openai.ChatMessagePart{
				Type:     openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{URL: p.ImageURL},
			})
		default:
			parts = append(parts, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeText,
				Text: p.Text,
			})
		}
	}
	msg.MultiContent = parts
	return msg
}

// CompletionsURL returns the deployment endpoint for plain or grounded chat.
func CompletionsURL(endpoint, deployment, apiVersion string, grounded bool) string {
	if apiVersion == "" {
		apiVersion = DefaultAPIVersion
	}
	path := "/chat/completions"
	if grounded {
		path = "/extensions/chat/completions"
	}
	return strings.TrimRight(endpoint, "/") +
		"/openai/deployments/" + url.PathEscape(deployment) + path +
		"?api-version=" + url.QueryEscape(apiVersion)
}
