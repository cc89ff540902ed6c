// internal/browser/jsbind/call.go
package jsbind

import (
	"fmt"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Name identifies one of the in-page scripts used by capture, restore and replay.
type Name string

// Call is a named script invocation with its JSON-encodable argument.
type Call struct {
	Name Name
	Arg  any
}

const markerPrefix = "/*scalpel:"

// Render produces a self-invoking expression. The leading marker records the script
// name and the byte length of the encoded argument so a call can be decoded again.
//
//	/*scalpel:<name>:<len>*/(<function>)(<json arg>)
func (c Call) Render() (string, error) {
	body, ok := bodies[c.Name]
	if !ok {
		return "", fmt.Errorf("jsbind: unknown script %q", c.Name)
	}
	arg, err := json.Marshal(c.Arg)
	if err != nil {
		return "", fmt.Errorf("jsbind: failed to encode argument for %q: %w", c.Name, err)
	}
	return fmt.Sprintf("%s%s:%d*/(%s)(%s)", markerPrefix, c.Name, len(arg), strings.TrimSpace(body), arg), nil
}

// MustRender is Render for calls whose argument is known to encode.
func MustRender(name Name, arg any) string {
	s, err := Call{Name: name, Arg: arg}.Render()
	if err != nil {
		panic(err)
	}
	return s
}

// Parse recovers the script name and raw argument from a rendered call.
func Parse(script string) (Name, jsoniter.RawMessage, error) {
	if !strings.HasPrefix(script, markerPrefix) {
		return "", nil, fmt.Errorf("jsbind: script has no marker")
	}
	end := strings.Index(script, "*/")
	if end < 0 {
		return "", nil, fmt.Errorf("jsbind: unterminated marker")
	}
	marker := script[len(markerPrefix):end]
	sep := strings.LastIndex(marker, ":")
	if sep < 0 {
		return "", nil, fmt.Errorf("jsbind: malformed marker %q", marker)
	}
	n, err := strconv.Atoi(marker[sep+1:])
	if err != nil || n < 0 {
		return "", nil, fmt.Errorf("jsbind: malformed argument length in %q", marker)
	}
	// The argument sits between the final "(" and ")".
	if len(script) < n+2 || script[len(script)-1] != ')' || script[len(script)-n-2] != '(' {
		return "", nil, fmt.Errorf("jsbind: argument does not match marker length %d", n)
	}
	arg := jsoniter.RawMessage(script[len(script)-n-1 : len(script)-1])
	if !json.Valid(arg) {
		return "", nil, fmt.Errorf("jsbind: argument is not valid JSON")
	}
	return Name(marker[:sep]), arg, nil
}
