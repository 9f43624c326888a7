// Package parser converts Claude Code transcript files (line-delimited
// JSON) into normalized conversation and message records.
package parser

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/osbornesec/ccobservatory/pkg/models"
)

// maxLineSize bounds a single transcript line. Tool results can embed
// large file contents, so this is generous.
const maxLineSize = 4 * 1024 * 1024

// Stats are the parser's cumulative counters.
type Stats struct {
	LinesProcessed   int64 `json:"lines_processed"`
	MessagesParsed   int64 `json:"messages_parsed"`
	ParseErrors      int64 `json:"parse_errors"`
	ValidationErrors int64 `json:"validation_errors"`
}

// Parser is a stateful transcript parser. The only mutable state is the
// counter set, so a single Parser is safe for concurrent use.
type Parser struct {
	mu    sync.Mutex
	stats Stats
}

// New creates a Parser with zeroed counters.
func New() *Parser {
	return &Parser{}
}

// transcriptLine is the raw shape of one JSONL record.
type transcriptLine struct {
	UUID       string      `json:"uuid"`
	ParentUUID *string     `json:"parentUuid"`
	SessionID  string      `json:"sessionId"`
	Timestamp  string      `json:"timestamp"`
	Type       string      `json:"type"`
	Message    *rawMessage `json:"message"`
}

type rawMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// contentBlock is one element of a structured content array. The field
// set is the union of text, tool_use and tool_result blocks.
type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	IsError   bool            `json:"is_error"`
	Content   json.RawMessage `json:"content"`
}

// ParseLine parses a single transcript line into a ParsedMessage.
// Returns *ParseError for malformed JSON and *ValidationError for schema
// violations. The message's ConversationID is left empty; ParseFile
// assigns it.
func (p *Parser) ParseLine(line []byte) (models.ParsedMessage, error) {
	p.bump(func(s *Stats) { s.LinesProcessed++ })

	var raw transcriptLine
	if err := json.Unmarshal(line, &raw); err != nil {
		p.bump(func(s *Stats) { s.ParseErrors++ })
		return models.ParsedMessage{}, &ParseError{Err: err}
	}

	if verr := validateLine(&raw); verr != nil {
		p.bump(func(s *Stats) { s.ValidationErrors++ })
		return models.ParsedMessage{}, verr
	}

	ts, err := parseTimestamp(raw.Timestamp)
	if err != nil {
		p.bump(func(s *Stats) { s.ValidationErrors++ })
		return models.ParsedMessage{}, &ValidationError{Field: "timestamp", Reason: "is not a valid ISO 8601 instant"}
	}

	role := models.MessageRole(raw.Message.Role)
	if !role.Valid() {
		p.bump(func(s *Stats) { s.ValidationErrors++ })
		return models.ParsedMessage{}, &ValidationError{Field: "message.role", Reason: "must be user or assistant"}
	}

	content, tools, err := extractContent(raw.Message.Content)
	if err != nil {
		p.bump(func(s *Stats) { s.ParseErrors++ })
		return models.ParsedMessage{}, &ParseError{Err: err}
	}

	msg := models.ParsedMessage{
		SessionID: raw.SessionID,
		MessageID: raw.UUID,
		ParentID:  raw.ParentUUID,
		Timestamp: ts,
		Role:      role,
		Content:   content,
		ToolUsage: tools,
	}
	p.bump(func(s *Stats) { s.MessagesParsed++ })
	return msg, nil
}

// ParseFile reads an entire transcript file and returns its conversation.
// Lines that fail to parse or validate are counted and skipped; a file
// that yields no valid messages at all is an ErrEmptyFile.
func (p *Parser) ParseFile(path string) (*models.ConversationData, error) {
	f, err := os.Open(path)
	if err != nil {
		switch {
		case errors.Is(err, fs.ErrNotExist):
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, path)
		case errors.Is(err, fs.ErrPermission):
			return nil, fmt.Errorf("%w: %s", ErrPermissionDenied, path)
		default:
			return nil, &FileProcessingError{Path: path, Err: err}
		}
	}
	defer f.Close()

	convID := uuid.New().String()
	var messages []models.ParsedMessage
	sessionID := ""

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		msg, err := p.ParseLine(line)
		if err != nil {
			continue
		}

		// Session id comes from the first successfully parsed message.
		if sessionID == "" {
			sessionID = msg.SessionID
		}
		msg.ConversationID = convID
		messages = append(messages, msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, &FileProcessingError{Path: path, Err: err}
	}

	if len(messages) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyFile, path)
	}

	// Chronological order, ties broken by input order.
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].Timestamp.Before(messages[j].Timestamp)
	})

	return &models.ConversationData{
		ID:           convID,
		SessionID:    sessionID,
		FilePath:     path,
		MessageCount: len(messages),
		Messages:     messages,
	}, nil
}

// Stats returns a snapshot of the counters.
func (p *Parser) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// ResetStats zeroes all counters.
func (p *Parser) ResetStats() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats = Stats{}
}

func (p *Parser) bump(fn func(*Stats)) {
	p.mu.Lock()
	fn(&p.stats)
	p.mu.Unlock()
}

// validateLine checks the required fields of a transcript record.
func validateLine(raw *transcriptLine) *ValidationError {
	switch {
	case raw.UUID == "":
		return &ValidationError{Field: "uuid", Reason: "is required"}
	case raw.SessionID == "":
		return &ValidationError{Field: "sessionId", Reason: "is required"}
	case raw.Timestamp == "":
		return &ValidationError{Field: "timestamp", Reason: "is required"}
	case raw.Type == "":
		return &ValidationError{Field: "type", Reason: "is required"}
	case raw.Message == nil:
		return &ValidationError{Field: "message", Reason: "is required"}
	case raw.Message.Role == "":
		return &ValidationError{Field: "message.role", Reason: "is required"}
	case len(raw.Message.Content) == 0:
		return &ValidationError{Field: "message.content", Reason: "is required"}
	}
	return nil
}

// parseTimestamp accepts RFC3339 with or without fractional seconds.
// A trailing Z is equivalent to +00:00. The result is normalized to UTC.
func parseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		t, err = time.Parse(time.RFC3339, s)
		if err != nil {
			return time.Time{}, err
		}
	}
	return t.UTC(), nil
}

// extractContent flattens a message content value into text plus tool
// usages. Content is either a plain string or an ordered array of typed
// blocks. Text blocks are joined with newlines; tool_use blocks open a
// pending ToolUsage; tool_result blocks complete the usage recorded
// earlier in the same message. Unknown block types are ignored.
func extractContent(raw json.RawMessage) (string, []models.ToolUsage, error) {
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString, nil, nil
	}

	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return "", nil, fmt.Errorf("message content is neither string nor block array: %w", err)
	}

	var (
		textParts []string
		tools     []models.ToolUsage
		toolIndex = make(map[string]int) // tool_use id → index in tools
	)
	for _, block := range blocks {
		switch block.Type {
		case "text":
			textParts = append(textParts, block.Text)

		case "tool_use":
			usage := models.ToolUsage{
				ToolName: block.Name,
				Status:   models.ToolStatusPending,
			}
			if len(block.Input) > 0 {
				var input any
				if err := json.Unmarshal(block.Input, &input); err == nil {
					usage.ToolInput = input
				}
			}
			toolIndex[block.ID] = len(tools)
			tools = append(tools, usage)

		case "tool_result":
			idx, ok := toolIndex[block.ToolUseID]
			if !ok {
				// No matching tool_use in this message — ignore.
				continue
			}
			if len(block.Content) > 0 {
				var output any
				if err := json.Unmarshal(block.Content, &output); err == nil {
					tools[idx].ToolOutput = output
				}
			}
			if block.IsError {
				tools[idx].Status = models.ToolStatusError
			} else {
				tools[idx].Status = models.ToolStatusSuccess
			}
		}
	}

	return joinText(textParts), tools, nil
}

func joinText(parts []string) string {
	switch len(parts) {
	case 0:
		return ""
	case 1:
		return parts[0]
	}
	var buf bytes.Buffer
	for i, p := range parts {
		if i > 0 {
			buf.WriteByte('\n')
		}
		buf.WriteString(p)
	}
	return buf.String()
}
