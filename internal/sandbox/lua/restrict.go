package lua

import (
	"sort"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/runbok/internal/sandbox/fetch"
)

// Capability is a host API that may be injected into the sandbox.
type Capability string

// CapabilityFetch injects fetch(url[, opts]).
const CapabilityFetch Capability = "fetch"

// safeModules may be required; each is an already-open library.
var safeModules = map[string]bool{
	"string": true,
	"table":  true,
	"math":   true,
}

// install removes globals that reach outside the sandbox and replaces
// print and require.
func (s *Sandbox) install() {
	for _, name := range []string{
		"dofile",
		"loadfile",
		"load",
		"loadstring",
		"module",
		"collectgarbage",
	} {
		s.L.SetGlobal(name, lua.LNil)
	}

	s.installPrint()
	s.installRequire()
}

// installPrint captures print output instead of writing to stdout.
func (s *Sandbox) installPrint() {
	s.L.SetGlobal("print", s.L.NewFunction(func(L *lua.LState) int {
		n := L.GetTop()
		parts := make([]string, n)
		for i := 1; i <= n; i++ {
			parts[i-1] = L.ToStringMeta(L.Get(i)).String()
		}
		line := strings.Join(parts, "\t")

		s.mu.Lock()
		s.logs = append(s.logs, line)
		s.mu.Unlock()
		s.logger.Debug("sandbox print", "text", line)
		return 0
	}))
}

// installRequire allows only the whitelisted libraries. Nothing is ever
// loaded from disk.
func (s *Sandbox) installRequire() {
	s.L.SetGlobal("require", s.L.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(1)
		if !safeModules[name] {
			L.RaiseError("module %q is not available", name)
			return 0
		}
		L.Push(L.GetGlobal(name))
		return 1
	}))
}

// Grant injects a capability.
func (s *Sandbox) Grant(c Capability) error {
	switch c {
	case CapabilityFetch:
		s.L.SetGlobal("fetch", s.L.NewFunction(s.luaFetch))
	default:
		return &CapabilityError{Capability: c}
	}
	s.capabilities[c] = true
	return nil
}

// HasCapability reports whether c was granted.
func (s *Sandbox) HasCapability(c Capability) bool {
	return s.capabilities[c]
}

// Capabilities returns the granted capabilities, sorted.
func (s *Sandbox) Capabilities() []Capability {
	caps := make([]Capability, 0, len(s.capabilities))
	for c := range s.capabilities {
		caps = append(caps, c)
	}
	sort.Slice(caps, func(i, j int) bool { return caps[i] < caps[j] })
	return caps
}

// luaFetch implements fetch(url[, {method=, headers=, body=}]). It returns
// a response table, or nil and an error message.
func (s *Sandbox) luaFetch(L *lua.LState) int {
	req := fetch.Request{URL: L.CheckString(1)}
	if opts := L.OptTable(2, nil); opts != nil {
		if m, ok := opts.RawGetString("method").(lua.LString); ok {
			req.Method = string(m)
		}
		if b, ok := opts.RawGetString("body").(lua.LString); ok {
			req.Body = string(b)
		}
		if h, ok := opts.RawGetString("headers").(*lua.LTable); ok {
			req.Headers = make(map[string]string)
			h.ForEach(func(k, v lua.LValue) {
				req.Headers[k.String()] = v.String()
			})
		}
	}

	resp, err := s.fetch.Do(L.Context(), req)
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}

	t := L.NewTable()
	t.RawSetString("ok", lua.LBool(resp.OK()))
	t.RawSetString("status", lua.LNumber(resp.Status))
	t.RawSetString("statusText", lua.LString(resp.StatusText))
	t.RawSetString("url", lua.LString(resp.URL))
	t.RawSetString("body", lua.LString(resp.Body))
	t.RawSetString("headers", importValue(L, resp.Headers))
	L.Push(t)
	return 1
}
