package deploy

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/ghodss/yaml"
	"github.com/imdario/mergo"
	"github.com/xeipuuv/gojsonschema"

	boterr "github.com/deliverybot/deploybot/pkg/errors"
	"github.com/deliverybot/deploybot/pkg/github"
)

// ConfigPath is where a repository keeps its deploy configuration.
const ConfigPath = ".github/deploy.yml"

// PullRequestPattern is the auto_deploy_on keyword matching pull
// request head updates rather than a ref.
const PullRequestPattern = "pr"

// Target is one named entry of the deploy configuration.
type Target struct {
	Name         string `json:"name"`
	AutoDeployOn string `json:"auto_deploy_on,omitempty"`
	AutoMerge    bool   `json:"auto_merge,omitempty"`
	Task         string `json:"task,omitempty"`
	// Payload, Environment and Description are templates, rendered
	// with ${{ }} delimiters at deploy time.
	Payload     map[string]interface{} `json:"payload,omitempty"`
	Environment string                 `json:"environment,omitempty"`
	Description string                 `json:"description,omitempty"`

	// RequiredContexts must pass on the commit before GitHub accepts
	// the deployment.
	RequiredContexts []string `json:"required_contexts,omitempty"`

	TransientEnvironment  bool `json:"transient_environment,omitempty"`
	ProductionEnvironment bool `json:"production_environment,omitempty"`
}

// Dynamic reports whether the target's environment is a template, so
// its name is only known once rendered.
func (t Target) Dynamic() bool {
	return strings.Contains(t.Environment, templateOpen)
}

// Targets maps target name to target.
type Targets map[string]Target

// Fields that older configurations nested in a `deployments` list.
var liftedFields = []string{
	"task",
	"auto_merge",
	"payload",
	"environment",
	"description",
}

// Only types are checked; unknown fields are allowed.
const schema = `{
  "type": "object",
  "additionalProperties": {
    "type": "object",
    "properties": {
      "auto_deploy_on": {"type": "string"},
      "auto_merge": {"type": "boolean"},
      "task": {"type": "string"},
      "payload": {"type": "object"},
      "environment": {"type": "string"},
      "description": {"type": "string"},
      "required_contexts": {"type": "array", "items": {"type": "string"}},
      "transient_environment": {"type": "boolean"},
      "production_environment": {"type": "boolean"}
    }
  }
}`

var schemaLoader = gojsonschema.NewStringLoader(schema)

// Config fetches and parses the deploy configuration at ref. A missing
// file comes back as the GitHub 404 (check with github.IsNotFound);
// every other problem with the file is a config error.
func Config(ctx context.Context, client github.Client, repo github.Repo, ref string) (Targets, error) {
	content, err := client.GetContents(ctx, repo, ConfigPath, ref)
	if err == github.ErrIsDirectory {
		return nil, boterr.ConfigError("%s is a folder", ConfigPath)
	}
	if err != nil {
		return nil, err
	}
	if len(content) == 0 {
		return nil, boterr.ConfigError("content not found")
	}
	return ParseConfig(content)
}

// ParseConfig parses and validates a deploy configuration.
func ParseConfig(content []byte) (Targets, error) {
	j, err := yaml.YAMLToJSON(content)
	if err != nil {
		return nil, boterr.ConfigError("parsing %s: %s", ConfigPath, err)
	}
	var conf map[string]interface{}
	if err := json.Unmarshal(j, &conf); err != nil {
		return nil, boterr.ConfigError("%s must be a map of targets", ConfigPath)
	}
	if conf == nil {
		conf = map[string]interface{}{}
	}

	for _, v := range conf {
		target, ok := v.(map[string]interface{})
		if !ok {
			continue
		}
		if err := liftDeployments(target); err != nil {
			return nil, boterr.ConfigError("%s", err)
		}
	}

	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewGoLoader(conf))
	if err != nil {
		return nil, boterr.ConfigError("validating %s: %s", ConfigPath, err)
	}
	if !result.Valid() {
		first := result.Errors()[0]
		return nil, boterr.ConfigError("%s %s", first.Field(), first.Description())
	}

	// The schema has vetted the types, so decoding only fails on
	// values json cannot represent.
	lifted, err := json.Marshal(conf)
	if err != nil {
		return nil, boterr.ConfigError("encoding %s: %s", ConfigPath, err)
	}
	targets := Targets{}
	if err := json.Unmarshal(lifted, &targets); err != nil {
		return nil, boterr.ConfigError("decoding %s: %s", ConfigPath, err)
	}

	for name, t := range targets {
		t.Name = name
		if t.AutoDeployOn != "" && t.AutoDeployOn != PullRequestPattern && t.Dynamic() {
			return nil, boterr.ConfigError("%s: environment %q is a template and cannot be auto deployed on %q", name, t.Environment, t.AutoDeployOn)
		}
		targets[name] = t
	}
	return targets, nil
}

// liftDeployments moves the fields of the first element of the legacy
// `deployments` list up to the target, unless the target sets them
// itself, and drops the list.
func liftDeployments(target map[string]interface{}) error {
	deployments, ok := target["deployments"].([]interface{})
	if !ok {
		return nil
	}
	delete(target, "deployments")
	if len(deployments) == 0 {
		return nil
	}
	first, ok := deployments[0].(map[string]interface{})
	if !ok {
		return nil
	}
	lifted := map[string]interface{}{}
	for _, field := range liftedFields {
		if v, ok := first[field]; ok && v != nil {
			lifted[field] = v
		}
	}
	for field := range lifted {
		if _, ok := target[field]; ok {
			delete(lifted, field)
		}
	}
	return mergo.Merge(&target, lifted)
}
