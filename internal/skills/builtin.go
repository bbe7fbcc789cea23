package skills

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// builtins maps skill names to their factories. The set is fixed at build
// time; configuration only narrows it.
var builtins = map[string]Factory{
	"datetime": newDatetimeSkill,
	"math":     newMathSkill,
	"text":     newTextSkill,
	"fs":       newFSSkill,
	"json":     newJSONSkill,
}

// minimalSkills is the pure-compute subset loaded by skills.mode=minimal.
var minimalSkills = []string{"datetime", "math", "text", "json"}

// builtinNames returns the builtin skill names in sorted order.
func builtinNames() []string {
	names := make([]string, 0, len(builtins))
	for name := range builtins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// decodeArgs maps validated tool arguments onto a parameter struct.
func decodeArgs[T any](args map[string]any) (T, error) {
	var out T
	raw, err := json.Marshal(args)
	if err != nil {
		return out, fmt.Errorf("encode arguments: %w", err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode arguments: %w", err)
	}
	return out, nil
}

// nowFunc is the clock for the datetime skill. Overridden in tests.
var nowFunc = time.Now

type datetimeNowArgs struct {
	Timezone string `json:"timezone,omitempty" jsonschema:"description=IANA timezone name such as Europe/Madrid. Defaults to UTC."`
	Layout   string `json:"layout,omitempty" jsonschema:"description=Go time layout string. Defaults to RFC 3339."`
}

type datetimeAddArgs struct {
	Duration string `json:"duration" jsonschema:"description=Offset from now such as 90m or -24h or 1h30m."`
	Timezone string `json:"timezone,omitempty" jsonschema:"description=IANA timezone for the result. Defaults to UTC."`
}

func newDatetimeSkill(Config) (*Skill, error) {
	now, err := NewTool(
		"datetime_now",
		"Current date and time, optionally in a given timezone and layout.",
		schemaFor(&datetimeNowArgs{}),
		func(_ context.Context, args map[string]any) (string, error) {
			a, err := decodeArgs[datetimeNowArgs](args)
			if err != nil {
				return "", err
			}
			t, err := inTimezone(nowFunc(), a.Timezone)
			if err != nil {
				return "", err
			}
			layout := a.Layout
			if layout == "" {
				layout = time.RFC3339
			}
			return t.Format(layout), nil
		},
	)
	if err != nil {
		return nil, err
	}

	add, err := NewTool(
		"datetime_add",
		"Date and time at a duration offset from now, e.g. in 90 minutes.",
		schemaFor(&datetimeAddArgs{}),
		func(_ context.Context, args map[string]any) (string, error) {
			a, err := decodeArgs[datetimeAddArgs](args)
			if err != nil {
				return "", err
			}
			d, err := time.ParseDuration(a.Duration)
			if err != nil {
				return "", fmt.Errorf("parse duration %q: %w", a.Duration, err)
			}
			t, err := inTimezone(nowFunc().Add(d), a.Timezone)
			if err != nil {
				return "", err
			}
			return t.Format(time.RFC3339), nil
		},
	)
	if err != nil {
		return nil, err
	}

	return &Skill{
		Name:        "datetime",
		Description: "Clock and calendar helpers.",
		Tools:       []*Tool{now, add},
	}, nil
}

func inTimezone(t time.Time, tz string) (time.Time, error) {
	if tz == "" {
		return t.UTC(), nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Time{}, fmt.Errorf("unknown timezone %q", tz)
	}
	return t.In(loc), nil
}

type mathCalculateArgs struct {
	Expression string `json:"expression" jsonschema:"description=Arithmetic expression using + - * / % and parentheses."`
}

func newMathSkill(Config) (*Skill, error) {
	calc, err := NewTool(
		"math_calculate",
		"Evaluate an arithmetic expression.",
		schemaFor(&mathCalculateArgs{}),
		func(_ context.Context, args map[string]any) (string, error) {
			a, err := decodeArgs[mathCalculateArgs](args)
			if err != nil {
				return "", err
			}
			v, err := evalExpression(a.Expression)
			if err != nil {
				return "", err
			}
			return formatNumber(v), nil
		},
	)
	if err != nil {
		return nil, err
	}
	return &Skill{
		Name:        "math",
		Description: "Arithmetic evaluation.",
		Tools:       []*Tool{calc},
	}, nil
}

type textTransformArgs struct {
	Text      string `json:"text" jsonschema:"description=Input text."`
	Operation string `json:"operation" jsonschema:"description=One of upper, lower, title, trim, reverse."`
}

type textCountArgs struct {
	Text string `json:"text" jsonschema:"description=Input text."`
	Unit string `json:"unit,omitempty" jsonschema:"description=One of chars, words, lines. Defaults to chars."`
}

func newTextSkill(Config) (*Skill, error) {
	transform, err := NewTool(
		"text_transform",
		"Transform text: case conversion, trimming, reversal.",
		schemaFor(&textTransformArgs{}),
		func(_ context.Context, args map[string]any) (string, error) {
			a, err := decodeArgs[textTransformArgs](args)
			if err != nil {
				return "", err
			}
			switch a.Operation {
			case "upper":
				return strings.ToUpper(a.Text), nil
			case "lower":
				return strings.ToLower(a.Text), nil
			case "title":
				return titleCase(a.Text), nil
			case "trim":
				return strings.TrimSpace(a.Text), nil
			case "reverse":
				runes := []rune(a.Text)
				for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
					runes[i], runes[j] = runes[j], runes[i]
				}
				return string(runes), nil
			default:
				return "", fmt.Errorf("unknown operation %q", a.Operation)
			}
		},
	)
	if err != nil {
		return nil, err
	}

	count, err := NewTool(
		"text_count",
		"Count characters, words, or lines in text.",
		schemaFor(&textCountArgs{}),
		func(_ context.Context, args map[string]any) (string, error) {
			a, err := decodeArgs[textCountArgs](args)
			if err != nil {
				return "", err
			}
			switch a.Unit {
			case "", "chars":
				return fmt.Sprintf("%d", utf8.RuneCountInString(a.Text)), nil
			case "words":
				return fmt.Sprintf("%d", len(strings.Fields(a.Text))), nil
			case "lines":
				if a.Text == "" {
					return "0", nil
				}
				return fmt.Sprintf("%d", strings.Count(a.Text, "\n")+1), nil
			default:
				return "", fmt.Errorf("unknown unit %q", a.Unit)
			}
		},
	)
	if err != nil {
		return nil, err
	}

	return &Skill{
		Name:        "text",
		Description: "Plain-text utilities.",
		Tools:       []*Tool{transform, count},
	}, nil
}

// titleCase uppercases the first letter of each word, leaving the rest
// of the word untouched.
func titleCase(s string) string {
	runes := []rune(s)
	boundary := true
	for i, r := range runes {
		switch {
		case unicode.IsLetter(r):
			if boundary {
				runes[i] = unicode.ToUpper(r)
			}
			boundary = false
		case unicode.IsDigit(r):
			boundary = false
		default:
			boundary = true
		}
	}
	return string(runes)
}

const fsReadLimit = 64 * 1024

type fsListArgs struct {
	Path string `json:"path" jsonschema:"description=Directory path relative to the runtime root."`
}

type fsReadArgs struct {
	Path     string `json:"path" jsonschema:"description=File path relative to the runtime root."`
	MaxBytes int    `json:"max_bytes,omitempty" jsonschema:"description=Byte cap on returned content. Defaults to 65536."`
}

func newFSSkill(cfg Config) (*Skill, error) {
	root := cfg.FSRoot

	list, err := NewTool(
		"fs_list",
		"List directory entries.",
		schemaFor(&fsListArgs{}),
		func(_ context.Context, args map[string]any) (string, error) {
			a, err := decodeArgs[fsListArgs](args)
			if err != nil {
				return "", err
			}
			dir := resolvePath(root, a.Path)
			entries, err := os.ReadDir(dir)
			if err != nil {
				return "", err
			}
			var b strings.Builder
			for _, e := range entries {
				if e.IsDir() {
					fmt.Fprintf(&b, "%s/\n", e.Name())
					continue
				}
				fmt.Fprintf(&b, "%s\n", e.Name())
			}
			if b.Len() == 0 {
				return "(empty)", nil
			}
			return strings.TrimRight(b.String(), "\n"), nil
		},
	)
	if err != nil {
		return nil, err
	}

	read, err := NewTool(
		"fs_read",
		"Read the head of a text file.",
		schemaFor(&fsReadArgs{}),
		func(_ context.Context, args map[string]any) (string, error) {
			a, err := decodeArgs[fsReadArgs](args)
			if err != nil {
				return "", err
			}
			limit := a.MaxBytes
			if limit <= 0 || limit > fsReadLimit {
				limit = fsReadLimit
			}
			f, err := os.Open(resolvePath(root, a.Path))
			if err != nil {
				return "", err
			}
			defer f.Close()
			buf := make([]byte, limit)
			n, err := f.Read(buf)
			if err != nil && n == 0 {
				return "", err
			}
			return string(buf[:n]), nil
		},
	)
	if err != nil {
		return nil, err
	}

	return &Skill{
		Name:        "fs",
		Description: "Read-only filesystem access under the runtime root.",
		Tools:       []*Tool{list, read},
	}, nil
}

// resolvePath confines p under root when a root is configured.
func resolvePath(root, p string) string {
	if root == "" {
		return filepath.Clean(p)
	}
	return filepath.Join(root, filepath.Clean("/"+p))
}

type jsonFormatArgs struct {
	Text   string `json:"text" jsonschema:"description=JSON document."`
	Indent int    `json:"indent,omitempty" jsonschema:"description=Spaces per level. Defaults to 2."`
}

type jsonQueryArgs struct {
	Text string `json:"text" jsonschema:"description=JSON document."`
	Path string `json:"path" jsonschema:"description=Dotted field path such as user.address.city."`
}

func newJSONSkill(Config) (*Skill, error) {
	format, err := NewTool(
		"json_format",
		"Validate and pretty-print a JSON document.",
		schemaFor(&jsonFormatArgs{}),
		func(_ context.Context, args map[string]any) (string, error) {
			a, err := decodeArgs[jsonFormatArgs](args)
			if err != nil {
				return "", err
			}
			var doc any
			if err := json.Unmarshal([]byte(a.Text), &doc); err != nil {
				return "", fmt.Errorf("invalid JSON: %w", err)
			}
			indent := a.Indent
			if indent <= 0 {
				indent = 2
			}
			out, err := json.MarshalIndent(doc, "", strings.Repeat(" ", indent))
			if err != nil {
				return "", err
			}
			return string(out), nil
		},
	)
	if err != nil {
		return nil, err
	}

	query, err := NewTool(
		"json_query",
		"Extract a field from a JSON document by dotted path.",
		schemaFor(&jsonQueryArgs{}),
		func(_ context.Context, args map[string]any) (string, error) {
			a, err := decodeArgs[jsonQueryArgs](args)
			if err != nil {
				return "", err
			}
			var doc any
			if err := json.Unmarshal([]byte(a.Text), &doc); err != nil {
				return "", fmt.Errorf("invalid JSON: %w", err)
			}
			cur := doc
			for _, part := range strings.Split(a.Path, ".") {
				obj, ok := cur.(map[string]any)
				if !ok {
					return "", fmt.Errorf("path %s: %q is not an object", a.Path, part)
				}
				cur, ok = obj[part]
				if !ok {
					return "", fmt.Errorf("path %s: field %q not found", a.Path, part)
				}
			}
			out, err := json.Marshal(cur)
			if err != nil {
				return "", err
			}
			return string(out), nil
		},
	)
	if err != nil {
		return nil, err
	}

	return &Skill{
		Name:        "json",
		Description: "JSON validation, formatting, and field extraction.",
		Tools:       []*Tool{format, query},
	}, nil
}
