// Package logparser implements the log parser family described in section
// 4.5 of the design specification, grounded on
// original_source/src/core/log_parser.py's FirewallLogParser and
// JsonLogParser: a pipe-delimited firewall parser and a size/depth-limited
// JSON parser, both producing a record.Record.
package logparser

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/gurre/s3sentinel/pipelineerr"
	"github.com/gurre/s3sentinel/record"
)

// Parser parses raw log bytes into a Record and validates the result.
type Parser interface {
	Parse(logData []byte) (record.Record, error)
	Validate(rec record.Record) bool
}

// fieldMapping pairs a parser-internal field name with the normalized
// output field name, preserving positional order for pipe-delimited parsing.
type fieldMapping struct {
	internal   string
	normalized string
}

var defaultFirewallMappings = []fieldMapping{
	{"src_ip", "SourceIP"},
	{"dst_ip", "DestinationIP"},
	{"action", "FirewallAction"},
	{"rule_name", "RuleName"},
	{"proto", "Protocol"},
	{"src_port", "SourcePort"},
	{"dst_port", "DestinationPort"},
	{"bytes", "BytesTransferred"},
}

var defaultTimestampFormats = []string{
	"2006-01-02T15:04:05.999999999Z",
	"2006-01-02T15:04:05Z",
	"2006-01-02 15:04:05",
	"Jan 2 2006 15:04:05",
	"2006/01/02 15:04:05",
}

var requiredFirewallFields = []string{"TimeGenerated", "SourceIP", "DestinationIP", "FirewallAction"}

var validFirewallActions = map[string]bool{
	"allow": true,
	"deny":  true,
	"drop":  true,
	"reset": true,
}

var ipFields = map[string]bool{"src_ip": true, "dst_ip": true}
var intFields = map[string]bool{"src_port": true, "dst_port": true, "bytes": true}

// FirewallParser parses pipe-delimited firewall log lines.
type FirewallParser struct {
	mappings         []fieldMapping
	timestampFormats []string
	nowFn            func() time.Time
}

// NewFirewallParser constructs a FirewallParser with the default field
// mappings and timestamp formats.
func NewFirewallParser() *FirewallParser {
	return &FirewallParser{
		mappings:         defaultFirewallMappings,
		timestampFormats: defaultTimestampFormats,
		nowFn:            time.Now,
	}
}

// Parse splits a pipe-delimited log line into a Record. The first field is
// always the timestamp; remaining fields map positionally onto the
// configured field mappings.
func (p *FirewallParser) Parse(logData []byte) (record.Record, error) {
	line := strings.TrimSpace(string(logData))
	fields := strings.Split(line, "|")
	if len(fields) == 0 || fields[0] == "" {
		return nil, fmt.Errorf("logparser: empty firewall log line: %w", pipelineerr.ErrParse)
	}

	rec := record.New()

	ts, err := p.parseTimestamp(fields[0])
	if err != nil {
		return nil, fmt.Errorf("logparser: failed to parse firewall log: %w", pipelineerr.ErrParse)
	}
	rec["TimeGenerated"] = record.Time(ts)

	rest := fields[1:]
	for i, mapping := range p.mappings {
		if i >= len(rest) {
			break
		}
		value, err := p.normalizeField(mapping.internal, rest[i])
		if err != nil {
			return nil, fmt.Errorf("logparser: failed to parse firewall log: %w", pipelineerr.ErrParse)
		}
		rec[mapping.normalized] = value
	}

	rec["LogSource"] = record.String("Firewall")
	rec["ProcessingTime"] = record.Time(p.nowFn().UTC())

	return rec, nil
}

// Validate checks required fields, IP address format, and the firewall
// action vocabulary.
func (p *FirewallParser) Validate(rec record.Record) bool {
	if missing := rec.MissingFields(requiredFirewallFields); len(missing) > 0 {
		return false
	}

	srcIP, ok := rec["SourceIP"].AsString()
	if !ok || net.ParseIP(srcIP) == nil {
		return false
	}
	dstIP, ok := rec["DestinationIP"].AsString()
	if !ok || net.ParseIP(dstIP) == nil {
		return false
	}

	action, ok := rec["FirewallAction"].AsString()
	if !ok || !validFirewallActions[strings.ToLower(action)] {
		return false
	}

	return true
}

func (p *FirewallParser) parseTimestamp(s string) (time.Time, error) {
	for _, format := range p.timestampFormats {
		if t, err := time.Parse(format, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unable to parse timestamp: %s", s)
}

func (p *FirewallParser) normalizeField(fieldName, value string) (record.Scalar, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return record.Null(), nil
	}

	if ipFields[fieldName] {
		ip := net.ParseIP(value)
		if ip == nil {
			return record.Scalar{}, fmt.Errorf("invalid IP address: %s", value)
		}
		return record.String(ip.String()), nil
	}

	if intFields[fieldName] {
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return record.Scalar{}, fmt.Errorf("invalid integer field %s: %w", fieldName, err)
		}
		return record.Int64(n), nil
	}

	if fieldName == "action" {
		return record.String(strings.ToLower(value)), nil
	}
	if fieldName == "proto" {
		return record.String(strings.ToUpper(value)), nil
	}

	return record.String(value), nil
}

// Schema describes the required fields and expected Go types for JSONParser
// output, mirroring the original's schema dict of {"required": [...],
// "types": {...}}.
type Schema struct {
	Required []string
	Types    map[string]record.Kind
}

// JSONParser parses arbitrary JSON log payloads with DoS-guarding size and
// nesting-depth limits, and optional schema enforcement.
type JSONParser struct {
	schema       *Schema
	maxSizeBytes int
	maxDepth     int
}

const (
	defaultMaxSizeBytes = 10 * 1024 * 1024
	defaultMaxDepth     = 50
)

// JSONParserOption configures a JSONParser.
type JSONParserOption func(*JSONParser)

// WithSchema attaches a schema used by Validate and to enforce required
// fields/types during Parse.
func WithSchema(schema Schema) JSONParserOption {
	return func(p *JSONParser) { p.schema = &schema }
}

// WithMaxSizeBytes overrides the default 10MB payload size limit.
func WithMaxSizeBytes(n int) JSONParserOption {
	return func(p *JSONParser) { p.maxSizeBytes = n }
}

// WithMaxDepth overrides the default 50-level nesting depth limit.
func WithMaxDepth(n int) JSONParserOption {
	return func(p *JSONParser) { p.maxDepth = n }
}

// NewJSONParser constructs a JSONParser with DoS-guarding defaults.
func NewJSONParser(opts ...JSONParserOption) *JSONParser {
	p := &JSONParser{
		maxSizeBytes: defaultMaxSizeBytes,
		maxDepth:     defaultMaxDepth,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Parse decodes JSON, enforcing the size limit before decoding and the
// depth limit after, then applies the schema if one was configured.
func (p *JSONParser) Parse(logData []byte) (record.Record, error) {
	if len(logData) > p.maxSizeBytes {
		return nil, fmt.Errorf("logparser: JSON payload exceeds maximum size: %d bytes > %d bytes: %w",
			len(logData), p.maxSizeBytes, pipelineerr.ErrValidation)
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(logData, &raw); err != nil {
		return nil, fmt.Errorf("logparser: invalid JSON format: %v: %w", err, pipelineerr.ErrParse)
	}

	depth := measureDepth(raw, 1, p.maxDepth)
	if depth > p.maxDepth {
		return nil, fmt.Errorf("logparser: JSON nesting depth exceeds maximum: %d levels > %d levels: %w",
			depth, p.maxDepth, pipelineerr.ErrValidation)
	}

	rec := recordFromMap(raw)

	if p.schema != nil {
		return p.applySchema(rec)
	}
	return rec, nil
}

// Validate checks the parsed record against the configured schema, if any.
// With no schema, all records are considered valid.
func (p *JSONParser) Validate(rec record.Record) bool {
	if p.schema == nil {
		return true
	}
	if len(rec.MissingFields(p.schema.Required)) > 0 {
		return false
	}
	for field, expected := range p.schema.Types {
		if v, ok := rec[field]; ok && v.Kind() != expected {
			return false
		}
	}
	return true
}

func (p *JSONParser) applySchema(rec record.Record) (record.Record, error) {
	if missing := rec.MissingFields(p.schema.Required); len(missing) > 0 {
		return nil, fmt.Errorf("logparser: missing required field: %s: %w", missing[0], pipelineerr.ErrValidation)
	}
	for field, expected := range p.schema.Types {
		if v, ok := rec[field]; ok && v.Kind() != expected {
			return nil, fmt.Errorf("logparser: field %s expected %v, got %v: %w",
				field, expected, v.Kind(), pipelineerr.ErrValidation)
		}
	}
	return rec, nil
}

// measureDepth recursively measures JSON nesting depth, short-circuiting
// once it exceeds maxDepth to avoid unbounded recursion on pathological
// input.
func measureDepth(obj interface{}, currentDepth, maxDepth int) int {
	if currentDepth > maxDepth {
		return currentDepth
	}

	switch v := obj.(type) {
	case map[string]interface{}:
		if len(v) == 0 {
			return currentDepth
		}
		maxFound := currentDepth
		for _, value := range v {
			d := measureDepth(value, currentDepth+1, maxDepth)
			if d > maxFound {
				maxFound = d
			}
			if maxFound > maxDepth {
				return maxFound
			}
		}
		return maxFound
	case []interface{}:
		if len(v) == 0 {
			return currentDepth
		}
		maxFound := currentDepth
		for _, item := range v {
			d := measureDepth(item, currentDepth+1, maxDepth)
			if d > maxFound {
				maxFound = d
			}
			if maxFound > maxDepth {
				return maxFound
			}
		}
		return maxFound
	default:
		return currentDepth
	}
}

// recordFromMap converts a decoded JSON object into a Record, coercing
// nested objects/arrays to their JSON string representation since Record
// only holds scalars.
func recordFromMap(raw map[string]interface{}) record.Record {
	rec := record.New()
	for k, v := range raw {
		rec[k] = scalarFromAny(v)
	}
	return rec
}

func scalarFromAny(v interface{}) record.Scalar {
	switch val := v.(type) {
	case nil:
		return record.Null()
	case bool:
		return record.Bool(val)
	case float64:
		if val == float64(int64(val)) {
			return record.Int64(int64(val))
		}
		return record.Float64(val)
	case string:
		return record.String(val)
	default:
		encoded, err := json.Marshal(val)
		if err != nil {
			return record.String(fmt.Sprintf("%v", val))
		}
		return record.String(string(encoded))
	}
}
