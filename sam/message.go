package sam

import (
	"strings"

	"github.com/pkg/errors"
)

// Message is one line of the SAM control protocol: a topic, an optional
// subtopic, and KEY=VALUE options in order.
type Message struct {
	Topic    string
	Subtopic string
	Keys     []string
	Values   map[string]string
}

// NewMessage builds a message. kv alternates keys and values.
func NewMessage(topic, subtopic string, kv ...string) *Message {
	m := &Message{
		Topic:    topic,
		Subtopic: subtopic,
		Values:   make(map[string]string, len(kv)/2),
	}
	for i := 0; i+1 < len(kv); i += 2 {
		m.Set(kv[i], kv[i+1])
	}
	return m
}

// Set adds or replaces an option.
func (m *Message) Set(key, value string) {
	if m.Values == nil {
		m.Values = make(map[string]string)
	}
	if _, ok := m.Values[key]; !ok {
		m.Keys = append(m.Keys, key)
	}
	m.Values[key] = value
}

// Get returns the value of an option and whether it was present.
func (m *Message) Get(key string) (string, bool) {
	v, ok := m.Values[key]
	return v, ok
}

// Result returns the RESULT option.
func (m *Message) Result() string {
	return m.Values["RESULT"]
}

// Err returns a *ReplyError if the message carries a RESULT other than OK.
func (m *Message) Err() error {
	r, ok := m.Values["RESULT"]
	if !ok || r == ResultOK {
		return nil
	}
	return &ReplyError{
		Topic:   strings.TrimSpace(m.Topic + " " + m.Subtopic),
		Result:  r,
		Message: m.Values["MESSAGE"],
	}
}

// String encodes the message without the trailing newline. Values containing
// spaces, quotes or backslashes are quoted.
func (m *Message) String() string {
	var b strings.Builder
	b.WriteString(m.Topic)
	if m.Subtopic != "" {
		b.WriteByte(' ')
		b.WriteString(m.Subtopic)
	}
	for _, k := range m.Keys {
		b.WriteByte(' ')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(quote(m.Values[k]))
	}
	return b.String()
}

func quote(v string) string {
	if v != "" && !strings.ContainsAny(v, " \t\"\\") {
		return v
	}
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range v {
		if r == '"' || r == '\\' {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	b.WriteByte('"')
	return b.String()
}

// ParseMessage decodes a single protocol line. A trailing newline is allowed.
// Options without '=' are stored with an empty value.
func ParseMessage(line string) (*Message, error) {
	line = strings.TrimRight(line, "\r\n")
	tokens, err := tokenize(line)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return nil, errors.Wrap(ErrProtocol, "empty message")
	}
	m := &Message{Topic: tokens[0], Values: make(map[string]string)}
	rest := tokens[1:]
	if len(rest) > 0 && !strings.Contains(rest[0], "=") {
		m.Subtopic = rest[0]
		rest = rest[1:]
	}
	for _, tok := range rest {
		k, v, _ := strings.Cut(tok, "=")
		if k == "" {
			return nil, errors.Wrapf(ErrProtocol, "empty key in %q", line)
		}
		m.Set(k, v)
	}
	return m, nil
}

// tokenize splits on unquoted whitespace. Quotes are removed and backslash
// escapes inside quotes are resolved.
func tokenize(line string) ([]string, error) {
	var tokens []string
	var cur strings.Builder
	inToken, inQuote, escaped := false, false, false
	for _, r := range line {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case inQuote && r == '\\':
			escaped = true
		case r == '"':
			inQuote = !inQuote
			inToken = true
		case !inQuote && (r == ' ' || r == '\t'):
			if inToken {
				tokens = append(tokens, cur.String())
				cur.Reset()
				inToken = false
			}
		default:
			cur.WriteRune(r)
			inToken = true
		}
	}
	if inQuote || escaped {
		return nil, errors.Wrapf(ErrProtocol, "unterminated quote in %q", line)
	}
	if inToken {
		tokens = append(tokens, cur.String())
	}
	return tokens, nil
}
