package command

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// Registry returns all CLI commands keyed by "service action".
func Registry() map[string]Command {
	commands := []Command{
		{
			Service:      "sandbox",
			Action:       "create",
			Method:       "POST",
			PathTemplate: "/api/v1/sandboxes",
			Fields: []Field{
				{Name: "image", Prompt: "image", Type: FieldString, Required: true},
				{Name: "owner", Prompt: "owner", Type: FieldString, Required: false},
				{Name: "cpus", Prompt: "cpus", Type: FieldString, Required: false},
				{Name: "memory_bytes", Aliases: []string{"memory"}, Prompt: "memory_bytes", Type: FieldInt64, Required: false},
				{Name: "pids_limit", Aliases: []string{"pids"}, Prompt: "pids_limit", Type: FieldInt64, Required: false},
			},
		},
		{
			Service:      "sandbox",
			Action:       "list",
			Method:       "GET",
			PathTemplate: "/api/v1/sandboxes",
		},
		{
			Service:      "sandbox",
			Action:       "status",
			Method:       "GET",
			PathTemplate: "/api/v1/sandboxes/:id",
			Fields: []Field{
				{Name: "id", Prompt: "sandbox_id", Type: FieldString, Required: true},
			},
		},
		{
			Service:      "sandbox",
			Action:       "delete",
			Method:       "DELETE",
			PathTemplate: "/api/v1/sandboxes/:id",
			Fields: []Field{
				{Name: "id", Prompt: "sandbox_id", Type: FieldString, Required: true},
			},
		},
		{
			Service:      "sandbox",
			Action:       "exec",
			Method:       "POST",
			PathTemplate: "/api/v1/sandboxes/:id/exec",
			Fields: []Field{
				{Name: "id", Prompt: "sandbox_id", Type: FieldString, Required: true},
				{Name: "command", Aliases: []string{"cmd"}, Prompt: "command", Type: FieldString, Required: true},
				{Name: "shell", Prompt: "shell (true/false)", Type: FieldBool, Required: false},
				{Name: "timeout_seconds", Aliases: []string{"timeout"}, Prompt: "timeout_seconds", Type: FieldInt64, Required: false},
				{Name: "isolated", Prompt: "isolated (true/false)", Type: FieldBool, Required: false},
				{Name: "working_dir", Aliases: []string{"cwd"}, Prompt: "working_dir", Type: FieldString, Required: false},
				{Name: "env", Prompt: "env (comma-separated KEY=VALUE)", Type: FieldStringList, Required: false},
			},
		},
		{
			Service:      "sandbox",
			Action:       "health",
			Method:       "GET",
			PathTemplate: "/health",
		},
		{
			Service:      "file",
			Action:       "read",
			Method:       "GET",
			PathTemplate: "/api/v1/sandboxes/:id/files",
			QueryFields:  []string{"path"},
			Fields: []Field{
				{Name: "id", Prompt: "sandbox_id", Type: FieldString, Required: true},
				{Name: "path", Prompt: "path", Type: FieldString, Required: true},
			},
		},
		{
			Service:      "file",
			Action:       "write",
			Method:       "PUT",
			PathTemplate: "/api/v1/sandboxes/:id/files",
			Fields: []Field{
				{Name: "id", Prompt: "sandbox_id", Type: FieldString, Required: true},
				{Name: "path", Prompt: "path", Type: FieldString, Required: true},
				{Name: "text", Prompt: "text", Type: FieldString, Required: false},
				{Name: "source_file", Aliases: []string{"file"}, Prompt: "source_file", Type: FieldFile, Required: false},
			},
		},
		{
			Service:      "file",
			Action:       "delete",
			Method:       "DELETE",
			PathTemplate: "/api/v1/sandboxes/:id/files",
			QueryFields:  []string{"path"},
			Fields: []Field{
				{Name: "id", Prompt: "sandbox_id", Type: FieldString, Required: true},
				{Name: "path", Prompt: "path", Type: FieldString, Required: true},
			},
		},
		{
			Service:      "file",
			Action:       "copy",
			Method:       "POST",
			PathTemplate: "/api/v1/sandboxes/:id/files/copy",
			Fields: []Field{
				{Name: "id", Prompt: "sandbox_id", Type: FieldString, Required: true},
				{Name: "source", Aliases: []string{"src"}, Prompt: "source", Type: FieldString, Required: true},
				{Name: "destination", Aliases: []string{"dst"}, Prompt: "destination", Type: FieldString, Required: true},
			},
		},
		{
			Service:      "file",
			Action:       "list",
			Method:       "GET",
			PathTemplate: "/api/v1/sandboxes/:id/files/list",
			QueryFields:  []string{"path"},
			Fields: []Field{
				{Name: "id", Prompt: "sandbox_id", Type: FieldString, Required: true},
				{Name: "path", Prompt: "path", Type: FieldString, Required: false},
			},
		},
	}

	result := make(map[string]Command, len(commands))
	for _, cmd := range commands {
		key := fmt.Sprintf("%s %s", cmd.Service, cmd.Action)
		result[key] = cmd
	}
	return result
}

// BuildRequest creates HTTP request spec based on command.
func BuildRequest(cmd Command, params Params) (RequestSpec, error) {
	params.Canonicalize(cmd.Fields)
	path, err := buildPath(cmd.PathTemplate, params)
	if err != nil {
		return RequestSpec{}, err
	}
	path = appendQuery(path, cmd.QueryFields, params)

	var body []byte
	if cmd.Method != "GET" && cmd.Method != "DELETE" {
		payload, err := buildPayload(cmd, params)
		if err != nil {
			return RequestSpec{}, err
		}
		if payload != nil {
			body, err = json.Marshal(payload)
			if err != nil {
				return RequestSpec{}, fmt.Errorf("marshal request body failed: %w", err)
			}
		}
	}

	return RequestSpec{
		Method: cmd.Method,
		Path:   path,
		Body:   body,
	}, nil
}

func buildPath(template string, params Params) (string, error) {
	path := template
	if strings.Contains(path, ":id") {
		value := params.Get("id")
		if value == "" {
			return "", fmt.Errorf("missing path parameter: id")
		}
		path = strings.ReplaceAll(path, ":id", value)
	}
	return path, nil
}

func appendQuery(path string, keys []string, params Params) string {
	values := url.Values{}
	for _, key := range keys {
		if v := params.Get(key); v != "" {
			values.Set(key, v)
		}
	}
	if len(values) == 0 {
		return path
	}
	return path + "?" + values.Encode()
}

func buildPayload(cmd Command, params Params) (interface{}, error) {
	switch cmd.Service {
	case "sandbox":
		switch cmd.Action {
		case "create":
			return buildSandboxCreatePayload(params)
		case "exec":
			return buildExecPayload(params)
		}
	case "file":
		switch cmd.Action {
		case "write":
			return buildFileWritePayload(params)
		case "copy":
			return map[string]interface{}{
				"source":      params.Get("source"),
				"destination": params.Get("destination"),
			}, nil
		}
	}
	return nil, nil
}

func buildSandboxCreatePayload(params Params) (interface{}, error) {
	payload := map[string]interface{}{
		"image": params.Get("image"),
	}
	if params.Get("owner") != "" {
		payload["owner"] = params.Get("owner")
	}
	limits := map[string]interface{}{}
	if params.Get("cpus") != "" {
		var cpus float64
		if _, err := fmt.Sscanf(params.Get("cpus"), "%g", &cpus); err != nil || cpus <= 0 {
			return nil, fmt.Errorf("invalid cpus: %s", params.Get("cpus"))
		}
		limits["nano_cpus"] = int64(cpus * 1e9)
	}
	if params.Get("memory_bytes") != "" {
		mem, err := ParseInt64(params.Get("memory_bytes"))
		if err != nil {
			return nil, fmt.Errorf("invalid memory_bytes: %w", err)
		}
		limits["memory_bytes"] = mem
	}
	if params.Get("pids_limit") != "" {
		pids, err := ParseInt64(params.Get("pids_limit"))
		if err != nil {
			return nil, fmt.Errorf("invalid pids_limit: %w", err)
		}
		limits["pids_limit"] = pids
	}
	if len(limits) > 0 {
		// The server fills unset limits with its defaults.
		payload["limits"] = limits
	}
	return payload, nil
}

func buildExecPayload(params Params) (interface{}, error) {
	payload := map[string]interface{}{
		"command": params.Get("command"),
	}
	if params.Get("shell") != "" {
		payload["shell"] = ParseBool(params.Get("shell"))
	}
	if params.Get("timeout_seconds") != "" {
		seconds, err := ParseInt64(params.Get("timeout_seconds"))
		if err != nil {
			return nil, fmt.Errorf("invalid timeout_seconds: %w", err)
		}
		payload["timeout_seconds"] = seconds
	}
	if params.Get("isolated") != "" {
		payload["isolated"] = ParseBool(params.Get("isolated"))
	}
	if params.Get("working_dir") != "" {
		payload["working_dir"] = params.Get("working_dir")
	}
	if params.Get("env") != "" {
		payload["env"] = ParseStringList(params.Get("env"))
	}
	return payload, nil
}

func buildFileWritePayload(params Params) (interface{}, error) {
	content := params.Get("text")
	if content == "" && params.Get("source_file") != "" {
		data, err := ReadFile(params.Get("source_file"))
		if err != nil {
			return nil, err
		}
		content = data
	}
	return map[string]interface{}{
		"path":    params.Get("path"),
		"content": base64.StdEncoding.EncodeToString([]byte(content)),
	}, nil
}
