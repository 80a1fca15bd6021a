package endpoint

import (
	"fmt"
	"math"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/dshills/runbok/internal/execution"
)

// Input is the classified form of raw endpoint input.
type Input interface {
	isInput()
}

// Blank is absent or whitespace-only input.
type Blank struct{}

// URLInput is a ws:// or wss:// URL.
type URLInput struct {
	URL string
}

// HostPort is "host:port" text.
type HostPort struct {
	Host string
	Port string
}

// PortOnly is an all-digit string.
type PortOnly struct {
	Port string
}

// HostOnly is any other non-blank string.
type HostOnly struct {
	Host string
}

func (Blank) isInput()      {}
func (URLInput) isInput()   {}
func (HostPort) isInput()   {}
func (PortOnly) isInput()   {}
func (HostOnly) isInput()   {}
func (Structured) isInput() {}

// IsBlank reports whether raw designates no remote endpoint at all.
func IsBlank(raw any) bool {
	in, err := Classify(raw)
	if err != nil {
		return false
	}
	_, ok := in.(Blank)
	return ok
}

// Resolve normalizes raw endpoint input into a Descriptor. It is pure;
// unrecognized shapes fail with a validation error.
func Resolve(raw any) (Descriptor, error) {
	in, err := Classify(raw)
	if err != nil {
		return Descriptor{}, err
	}

	switch v := in.(type) {
	case Blank:
		return Descriptor{Host: DefaultHost, Port: DefaultPort}, nil
	case URLInput:
		return resolveURL(v.URL)
	case HostPort:
		host := normalizeHost(v.Host)
		if host == "" {
			host = DefaultHost
		}
		port, err := parsePort(v.Port, v.Host+":"+v.Port)
		if err != nil {
			return Descriptor{}, err
		}
		return Descriptor{Host: host, Port: port}, nil
	case PortOnly:
		port, err := parsePort(v.Port, v.Port)
		if err != nil {
			return Descriptor{}, err
		}
		return Descriptor{Host: DefaultHost, Port: port}, nil
	case HostOnly:
		return Descriptor{Host: normalizeHost(v.Host), Port: DefaultPort}, nil
	case Structured:
		return resolveStructured(v)
	default:
		return Descriptor{}, invalid("", fmt.Sprintf("unsupported input %T", in))
	}
}

// Classify sorts raw endpoint input into one of the Input variants.
func Classify(raw any) (Input, error) {
	switch v := raw.(type) {
	case nil:
		return Blank{}, nil
	// Pointer cases precede Input: *Structured also satisfies it.
	case *Structured:
		if v == nil {
			return Blank{}, nil
		}
		return *v, nil
	case *Descriptor:
		if v == nil {
			return Blank{}, nil
		}
		return Classify(*v)
	case Input:
		return v, nil
	case Descriptor:
		return Structured{Host: v.Host, Port: v.Port, Target: v.Target, SessionURL: v.SessionURL}, nil
	case string:
		return classifyString(v)
	case map[string]any:
		return classifyMap(v)
	default:
		return nil, invalid(fmt.Sprint(raw), fmt.Sprintf("unsupported type %T", raw))
	}
}

func classifyString(s string) (Input, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "":
		return Blank{}, nil
	case hasWebSocketScheme(s):
		return URLInput{URL: s}, nil
	case strings.Contains(s, ":"):
		host, port, err := net.SplitHostPort(s)
		if err != nil {
			return nil, invalid(s, "expected host:port")
		}
		return HostPort{Host: host, Port: port}, nil
	case isDigits(s):
		return PortOnly{Port: s}, nil
	case strings.ContainsAny(s, " /\\?#@"):
		return nil, invalid(s, "not a host name")
	default:
		return HostOnly{Host: s}, nil
	}
}

// classifyMap handles endpoint objects decoded from JSON or YAML.
func classifyMap(m map[string]any) (Input, error) {
	if len(m) == 0 {
		return Blank{}, nil
	}

	var s Structured
	for k, v := range m {
		switch k {
		case "host":
			str, ok := v.(string)
			if !ok && v != nil {
				return nil, invalid("", fmt.Sprintf("host must be a string, got %T", v))
			}
			s.Host = str
		case "port":
			port, err := portValue(v)
			if err != nil {
				return nil, err
			}
			s.Port = port
		case "target":
			str, ok := v.(string)
			if !ok && v != nil {
				return nil, invalid("", fmt.Sprintf("target must be a string, got %T", v))
			}
			s.Target = str
		case "sessionUrl", "webSocketUrl", "url":
			str, ok := v.(string)
			if !ok && v != nil {
				return nil, invalid("", fmt.Sprintf("%s must be a string, got %T", k, v))
			}
			s.SessionURL = str
		default:
			return nil, invalid("", fmt.Sprintf("unknown field %q", k))
		}
	}
	return s, nil
}

func portValue(v any) (int, error) {
	switch p := v.(type) {
	case nil:
		return 0, nil
	case int:
		return p, nil
	case int64:
		return int(p), nil
	case float64:
		if p != math.Trunc(p) {
			return 0, invalid(fmt.Sprint(p), "port must be an integer")
		}
		return int(p), nil
	case string:
		if strings.TrimSpace(p) == "" {
			return 0, nil
		}
		return parsePort(strings.TrimSpace(p), p)
	default:
		return 0, invalid(fmt.Sprint(v), fmt.Sprintf("port must be a number, got %T", v))
	}
}

func resolveStructured(s Structured) (Descriptor, error) {
	if sessionURL := strings.TrimSpace(s.SessionURL); sessionURL != "" {
		d, err := resolveURL(sessionURL)
		if err != nil {
			return Descriptor{}, err
		}
		if s.Target != "" {
			d.Target = s.Target
		}
		return d, nil
	}

	d := Descriptor{
		Host:   normalizeHost(s.Host),
		Port:   s.Port,
		Target: strings.TrimSpace(s.Target),
	}
	if d.Host == "" {
		d.Host = DefaultHost
	}
	switch {
	case d.Port == 0:
		d.Port = DefaultPort
	case d.Port < 0 || d.Port > math.MaxUint16:
		return Descriptor{}, invalid(strconv.Itoa(d.Port), "port out of range")
	}
	return d, nil
}

func resolveURL(raw string) (Descriptor, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Descriptor{}, invalid(raw, err.Error())
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return Descriptor{}, invalid(raw, "session URL must use ws or wss")
	}

	d := Descriptor{
		Host:       normalizeHost(u.Hostname()),
		Port:       DefaultURLPort,
		SessionURL: raw,
	}
	if d.Host == "" {
		d.Host = DefaultHost
	}
	if p := u.Port(); p != "" {
		port, err := parsePort(p, raw)
		if err != nil {
			return Descriptor{}, err
		}
		d.Port = port
	}

	if i := strings.Index(u.Path, devtoolsPagePrefix); i >= 0 {
		d.Target = u.Path[i+len(devtoolsPagePrefix):]
	} else {
		d.Target = strings.TrimPrefix(u.Path, "/")
	}
	return d, nil
}

func parsePort(s, input string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil {
		return 0, invalid(input, "port must be a number")
	}
	if port <= 0 || port > math.MaxUint16 {
		return 0, invalid(input, "port out of range")
	}
	return port, nil
}

func normalizeHost(h string) string {
	return strings.ToLower(strings.Trim(strings.TrimSpace(h), "[]"))
}

func hasWebSocketScheme(s string) bool {
	lower := strings.ToLower(s)
	return strings.HasPrefix(lower, "ws://") || strings.HasPrefix(lower, "wss://")
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

func invalid(input, reason string) error {
	return execution.Wrap(execution.KindValidation, &ResolveError{Input: input, Reason: reason}, "")
}
