package assembler

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/dshills/runbok/internal/execution"
)

func assembleLua(req execution.Request) (Program, error) {
	prog := Program{Language: execution.LanguageLua}

	names, diags, err := checkNames(req, isLuaIdentifier)
	if err != nil {
		return Program{}, err
	}
	prog.Diagnostics = diags

	normalized, err := normalizeContext(req.Context)
	if err != nil {
		return Program{}, err
	}

	var b strings.Builder
	b.WriteString("local __context = ")
	writeLuaValue(&b, normalized)
	b.WriteByte('\n')
	if len(names) > 0 {
		fields := make([]string, len(names))
		for i, n := range names {
			fields[i] = "__context." + n
		}
		fmt.Fprintf(&b, "local %s = %s\n", strings.Join(names, ", "), strings.Join(fields, ", "))
	}
	writeSection(&b, req.Imports)
	writeSection(&b, req.Mocks)
	fmt.Fprintf(&b, "local __field = %s\n", strings.TrimSpace(req.Code))
	b.WriteString("return __field(__context)\n")

	prog.Text = b.String()
	return prog, nil
}

// normalizeContext converts the context to plain JSON values.
func normalizeContext(ctx map[string]any) (map[string]any, error) {
	if ctx == nil {
		return map[string]any{}, nil
	}
	data, err := json.Marshal(ctx)
	if err != nil {
		return nil, execution.Wrap(execution.KindValidation, err, "context is not JSON-serializable")
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, execution.Wrap(execution.KindValidation, err, "context is not JSON-serializable")
	}
	return out, nil
}

func writeLuaValue(b *strings.Builder, v any) {
	switch v := v.(type) {
	case nil:
		b.WriteString("nil")
	case bool:
		b.WriteString(strconv.FormatBool(v))
	case float64:
		writeLuaNumber(b, v)
	case string:
		b.WriteString(quoteLua(v))
	case []any:
		b.WriteByte('{')
		for i, e := range v {
			if i > 0 {
				b.WriteString(", ")
			}
			writeLuaValue(b, e)
		}
		b.WriteByte('}')
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			if isLuaIdentifier(k) {
				b.WriteString(k)
			} else {
				b.WriteByte('[')
				b.WriteString(quoteLua(k))
				b.WriteByte(']')
			}
			b.WriteString(" = ")
			writeLuaValue(b, v[k])
		}
		b.WriteByte('}')
	default:
		b.WriteString(quoteLua(fmt.Sprint(v)))
	}
}

func writeLuaNumber(b *strings.Builder, f float64) {
	switch {
	case math.IsNaN(f):
		b.WriteString("(0/0)")
	case math.IsInf(f, 1):
		b.WriteString("math.huge")
	case math.IsInf(f, -1):
		b.WriteString("(-math.huge)")
	default:
		b.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	}
}

// quoteLua returns s as a double-quoted Lua string literal. Control bytes
// use decimal escapes, which every Lua version accepts.
func quoteLua(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			if c < 0x20 || c == 0x7f {
				fmt.Fprintf(&b, `\%03d`, c)
				continue
			}
			b.WriteByte(c)
		}
	}
	b.WriteByte('"')
	return b.String()
}

var luaIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

var luaReserved = map[string]bool{
	"and": true, "break": true, "do": true, "else": true, "elseif": true,
	"end": true, "false": true, "for": true, "function": true, "goto": true,
	"if": true, "in": true, "local": true, "nil": true, "not": true, "or": true,
	"repeat": true, "return": true, "then": true, "true": true, "until": true,
	"while": true,
}

func isLuaIdentifier(s string) bool {
	return luaIdentifier.MatchString(s) && !luaReserved[s]
}
