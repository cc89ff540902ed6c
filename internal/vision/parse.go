package vision

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// fencedObject pulls a JSON object out of a markdown code fence. \x60 is a backtick.
var fencedObject = regexp.MustCompile("(?s)\x60\x60\x60(?:json)?\\s*({.*})\\s*\x60\x60\x60")

// parseObject decodes the first JSON object in a model reply into T. Replies wrapped in a
// code fence or surrounded by prose are tolerated.
func parseObject[T any](reply string) (*T, error) {
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return nil, errors.New("empty model reply")
	}
	body := reply
	if m := fencedObject.FindStringSubmatch(reply); len(m) > 1 {
		body = m[1]
	} else if first, last := strings.Index(reply, "{"), strings.LastIndex(reply, "}"); first >= 0 && last > first {
		body = reply[first : last+1]
	}

	var out T
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		return nil, fmt.Errorf("failed to parse model reply as JSON: %w", err)
	}
	return &out, nil
}
