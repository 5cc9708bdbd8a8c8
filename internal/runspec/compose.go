package runspec

import (
	"strings"

	"gopkg.in/yaml.v3"
)

// composeService mirrors the subset of the compose schema the reconstructor
// can fill in from an inspect document.
type composeService struct {
	Image       string            `yaml:"image"`
	ContainerName string          `yaml:"container_name,omitempty"`
	Ports       []string          `yaml:"ports,omitempty"`
	Environment []string          `yaml:"environment,omitempty"`
	Volumes     []string          `yaml:"volumes,omitempty"`
	Networks    []string          `yaml:"networks,omitempty"`
	Restart     string            `yaml:"restart,omitempty"`
	Labels      map[string]string `yaml:"labels,omitempty"`
	Privileged  bool              `yaml:"privileged,omitempty"`
	WorkingDir  string            `yaml:"working_dir,omitempty"`
	User        string            `yaml:"user,omitempty"`
	Entrypoint  []string          `yaml:"entrypoint,omitempty"`
	Command     []string          `yaml:"command,omitempty"`
}

type composeFile struct {
	Services map[string]composeService `yaml:"services"`
}

// BuildCompose emits a docker-compose.yml equivalent to doc. Like Build, it
// is advisory — never consulted by Restore, which re-derives from the
// inspect document directly.
func BuildCompose(doc map[string]any) (string, error) {
	name := strings.TrimPrefix(getString(doc, "Name"), "/")
	if name == "" {
		name = "service"
	}

	config, _ := doc["Config"].(map[string]any)
	hostConfig, _ := doc["HostConfig"].(map[string]any)

	svc := composeService{
		ContainerName: name,
	}
	if config != nil {
		svc.Image = getString(config, "Image")
		svc.Environment = stringSlice(config["Env"])
		svc.WorkingDir = getString(config, "WorkingDir")
		svc.User = getString(config, "User")
		svc.Entrypoint = stringSlice(config["Entrypoint"])
		svc.Command = stringSlice(config["Cmd"])
		if labels, ok := config["Labels"].(map[string]any); ok {
			svc.Labels = make(map[string]string, len(labels))
			for k, v := range labels {
				if s, ok := v.(string); ok {
					svc.Labels[k] = s
				}
			}
		}
	}
	if hostConfig != nil {
		svc.Volumes = stringSlice(hostConfig["Binds"])
		svc.Privileged, _ = hostConfig["Privileged"].(bool)
		if policy, ok := hostConfig["RestartPolicy"].(map[string]any); ok {
			if n, _ := policy["Name"].(string); n != "" && n != "no" {
				svc.Restart = n
			}
		}
		if mode := getString(hostConfig, "NetworkMode"); mode != "" && mode != "default" && !IsDefaultNetwork(mode) {
			svc.Networks = []string{mode}
		}
		if bindings, ok := hostConfig["PortBindings"].(map[string]any); ok {
			for cp, raw := range bindings {
				entries, ok := raw.([]any)
				if !ok {
					continue
				}
				for _, e := range entries {
					entry, ok := e.(map[string]any)
					if !ok {
						continue
					}
					hostPort := getString(entry, "HostPort")
					if hostPort == "" {
						continue
					}
					svc.Ports = append(svc.Ports, hostPort+":"+strings.TrimSuffix(cp, "/tcp"))
				}
			}
		}
	}

	file := composeFile{Services: map[string]composeService{name: svc}}
	out, err := yaml.Marshal(file)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
