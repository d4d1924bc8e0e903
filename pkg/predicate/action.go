package predicate

import (
	"encoding/json"
	"fmt"
	"net/url"
)

// ActionKind names the delivery mechanisms for matched occurrences.
type ActionKind string

const (
	ActionNoop       ActionKind = "noop"
	ActionHTTPPost   ActionKind = "http_post"
	ActionFileAppend ActionKind = "file_append"
)

// HTTPPost delivers occurrence payloads as JSON POST requests.
type HTTPPost struct {
	URL                 string `json:"url"`
	AuthorizationHeader string `json:"authorization_header,omitempty"`
}

// FileAppend appends one JSON line per payload to a local file.
type FileAppend struct {
	Path string `json:"path"`
}

// Action is what to do with matched occurrences. Its JSON form follows the
// registration grammar: the string "noop", or an object with exactly one of
// the http_post / file_append keys.
type Action struct {
	Kind ActionKind
	HTTP *HTTPPost
	File *FileAppend
}

// Validate checks the action is one of the known kinds with usable settings.
func (a Action) Validate() error {
	switch a.Kind {
	case ActionNoop:
		return nil
	case ActionHTTPPost:
		if a.HTTP == nil || a.HTTP.URL == "" {
			return fmt.Errorf("%w: http_post requires a url", ErrBadAction)
		}
		u, err := url.Parse(a.HTTP.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("%w: http_post url %q is not a valid http(s) url", ErrBadAction, a.HTTP.URL)
		}
		return nil
	case ActionFileAppend:
		if a.File == nil || a.File.Path == "" {
			return fmt.Errorf("%w: file_append requires a path", ErrBadAction)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown action kind %q", ErrBadAction, a.Kind)
	}
}

type actionJSON struct {
	HTTPPost   *HTTPPost   `json:"http_post,omitempty"`
	FileAppend *FileAppend `json:"file_append,omitempty"`
}

// MarshalJSON renders the action in its registration-grammar form.
func (a Action) MarshalJSON() ([]byte, error) {
	switch a.Kind {
	case ActionNoop:
		return json.Marshal("noop")
	case ActionHTTPPost:
		return json.Marshal(actionJSON{HTTPPost: a.HTTP})
	case ActionFileAppend:
		return json.Marshal(actionJSON{FileAppend: a.File})
	}
	return nil, fmt.Errorf("%w: %q", ErrBadAction, a.Kind)
}

// UnmarshalJSON accepts "noop" or an object with one action key.
func (a *Action) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if s != string(ActionNoop) {
			return fmt.Errorf("%w: unknown action %q", ErrBadAction, s)
		}
		*a = Action{Kind: ActionNoop}
		return nil
	}

	var obj actionJSON
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("%w: %v", ErrBadAction, err)
	}
	switch {
	case obj.HTTPPost != nil && obj.FileAppend == nil:
		*a = Action{Kind: ActionHTTPPost, HTTP: obj.HTTPPost}
	case obj.FileAppend != nil && obj.HTTPPost == nil:
		*a = Action{Kind: ActionFileAppend, File: obj.FileAppend}
	default:
		return fmt.Errorf("%w: exactly one action variant required", ErrBadAction)
	}
	return nil
}
