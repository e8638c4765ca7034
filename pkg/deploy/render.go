package deploy

import (
	"encoding/json"

	"github.com/cbroglie/mustache"
	gh "github.com/google/go-github/v28/github"

	"github.com/deliverybot/deploybot/pkg/github"
)

const (
	templateOpen  = "${{"
	templateClose = "}}"
	// switches mustache over to ${{ }} for the rest of the template
	setDelimiters = "{{=" + templateOpen + " " + templateClose + "=}}"
)

// Render substitutes ${{ name }} references anywhere inside template,
// which may be any JSON-encodable value. data is looked up with
// mustache rules, so dotted names like commit.message work. If
// anything goes wrong the template is returned untouched.
func Render(template interface{}, data map[string]interface{}) interface{} {
	content, err := json.Marshal(template)
	if err != nil {
		return template
	}
	rendered, err := mustache.Render(setDelimiters+string(content), data)
	if err != nil {
		return template
	}
	var out interface{}
	if err := json.Unmarshal([]byte(rendered), &out); err != nil {
		return template
	}
	return out
}

// RenderString is Render for a single string.
func RenderString(template string, data map[string]interface{}) string {
	if s, ok := Render(template, data).(string); ok {
		return s
	}
	return template
}

// RenderMap is Render for an object, e.g. a payload.
func RenderMap(template map[string]interface{}, data map[string]interface{}) map[string]interface{} {
	if template == nil {
		return nil
	}
	if m, ok := Render(template, data).(map[string]interface{}); ok {
		return m
	}
	return template
}

// TemplateData is what templates can refer to.
type TemplateData struct {
	Ref         string
	Target      string
	Repo        github.Repo
	SHA         string
	Commit      *gh.Commit
	PullRequest *gh.PullRequest
	// PRNumber is used when the pull request itself has not been
	// fetched.
	PRNumber int
}

// Map flattens the data into the context templates are rendered
// with. Objects go through JSON so their fields are found by their API
// names.
func (d TemplateData) Map() map[string]interface{} {
	shortSHA := d.SHA
	if len(shortSHA) > 7 {
		shortSHA = shortSHA[:7]
	}
	m := map[string]interface{}{
		"ref":       d.Ref,
		"target":    d.Target,
		"owner":     d.Repo.Owner,
		"repo":      d.Repo.Name,
		"sha":       d.SHA,
		"short_sha": shortSHA,
	}
	if d.Commit != nil {
		m["commit"] = asMap(d.Commit)
	}
	switch {
	case d.PullRequest != nil:
		m["pr"] = d.PullRequest.GetNumber()
		m["pull_request"] = asMap(d.PullRequest)
	case d.PRNumber != 0:
		m["pr"] = d.PRNumber
	}
	return m
}

func asMap(v interface{}) interface{} {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out interface{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil
	}
	return out
}
