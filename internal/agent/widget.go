package agent

import (
	"encoding/json"
	"regexp"
	"strings"
)

// widgetRegex matches one widget directive block. (?s) lets the body
// span lines.
var widgetRegex = regexp.MustCompile(`(?s):::widget\{([^}]+)\}\s*\n(.*?)\n:::`)

// widgetAttrRegex matches one key=value attribute, value optionally
// double-quoted.
var widgetAttrRegex = regexp.MustCompile(`([a-zA-Z_][a-zA-Z0-9_-]*)=(?:"([^"]*)"|([^\s"]+))`)

// seamRegex collapses the blank runs left where blocks were removed.
var seamRegex = regexp.MustCompile(`\n{3,}`)

// WidgetDirective is one parsed widget block from assistant text.
// Type is the required "type" attribute; Props is the JSON body.
type WidgetDirective struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Props      json.RawMessage   `json:"props,omitempty"`
}

// ParseWidgets extracts widget directives from assistant text and
// returns them with the text stripped of every well-formed block.
// A block missing the required type attribute or carrying a body that
// is not a JSON object is left in the text untouched.
func ParseWidgets(text string) ([]WidgetDirective, string) {
	matches := widgetRegex.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return nil, text
	}

	var directives []WidgetDirective
	var out strings.Builder
	last := 0
	for _, m := range matches {
		attrs := parseWidgetAttrs(text[m[2]:m[3]])
		body := strings.TrimSpace(text[m[4]:m[5]])

		typ := attrs["type"]
		if typ == "" || !isJSONObject(body) {
			out.WriteString(text[last:m[1]])
			last = m[1]
			continue
		}

		directives = append(directives, WidgetDirective{
			Type:       typ,
			Attributes: attrs,
			Props:      json.RawMessage(body),
		})
		out.WriteString(text[last:m[0]])
		last = m[1]
	}
	out.WriteString(text[last:])

	stripped := strings.TrimSpace(seamRegex.ReplaceAllString(out.String(), "\n\n"))
	return directives, stripped
}

// parseWidgetAttrs reads space-separated key=value pairs. Recognized
// keys are type, panel, inline, blocking, and action, but unknown keys
// are carried through for forward compatibility.
func parseWidgetAttrs(s string) map[string]string {
	attrs := make(map[string]string)
	for _, m := range widgetAttrRegex.FindAllStringSubmatch(s, -1) {
		value := m[2]
		if value == "" && m[3] != "" {
			value = m[3]
		}
		attrs[m[1]] = value
	}
	return attrs
}

func isJSONObject(s string) bool {
	if !strings.HasPrefix(s, "{") {
		return false
	}
	return json.Valid([]byte(s))
}
