// Package runspec re-derives a docker create argument list and a compose
// document from a raw inspect document. Both outputs are advisory; Restore
// always re-derives the argument list on demand rather than trusting any
// stored text, so a bug fix here applies retroactively to old archives.
package runspec

import (
	"fmt"
	"sort"
	"strings"
)

// defaultNetworks are the daemon's built-in networks. Restore never creates
// them, and Build never emits --ip for them; --network <mode> is still
// emitted for any mode other than "" or "default".
var defaultNetworks = map[string]bool{
	"bridge":          true,
	"host":            true,
	"none":            true,
	"docker_gwbridge": true,
	"ingress":         true,
}

// PortOverride maps a container port (with protocol suffix, e.g. "80/tcp")
// to a replacement host port, used when a collision is detected at restore.
type PortOverride = map[string]string

// Build emits an ordered docker-create argument list from doc, applying any
// port overrides. It never errors — unexpected/missing keys are treated as
// absent, per spec.md §9.
func Build(doc map[string]any, overrides PortOverride) []string {
	var args []string

	name := strings.TrimPrefix(getString(doc, "Name"), "/")
	if name != "" {
		args = append(args, "--name", name)
	}

	config, _ := doc["Config"].(map[string]any)
	hostConfig, _ := doc["HostConfig"].(map[string]any)

	if config != nil {
		attachStdin, _ := config["AttachStdin"].(bool)
		attachStdout, _ := config["AttachStdout"].(bool)
		if !attachStdin && !attachStdout {
			args = append(args, "-d")
		}
		if tty, _ := config["Tty"].(bool); tty {
			args = append(args, "-t")
		}
		if openStdin, _ := config["OpenStdin"].(bool); openStdin {
			args = append(args, "-i")
		}
	}

	args = append(args, buildPortArgs(hostConfig, overrides)...)

	if config != nil {
		if env, ok := config["Env"].([]any); ok {
			for _, e := range env {
				if s, ok := e.(string); ok {
					args = append(args, "-e", quote(s))
				}
			}
		}
	}

	if hostConfig != nil {
		if binds, ok := hostConfig["Binds"].([]any); ok {
			for _, b := range binds {
				if s, ok := b.(string); ok {
					args = append(args, "-v", s)
				}
			}
		}
	}

	args = append(args, buildNetworkArgs(doc, hostConfig)...)

	if hostConfig != nil {
		if policy, ok := hostConfig["RestartPolicy"].(map[string]any); ok {
			if name, _ := policy["Name"].(string); name != "" && name != "no" {
				args = append(args, "--restart", name)
			}
		}
		if privileged, _ := hostConfig["Privileged"].(bool); privileged {
			args = append(args, "--privileged")
		}
		for _, cap := range stringSlice(hostConfig["CapAdd"]) {
			args = append(args, "--cap-add", cap)
		}
		for _, cap := range stringSlice(hostConfig["CapDrop"]) {
			args = append(args, "--cap-drop", cap)
		}
	}

	if config != nil {
		if wd := getString(config, "WorkingDir"); wd != "" {
			args = append(args, "-w", wd)
		}
		if user := getString(config, "User"); user != "" {
			args = append(args, "-u", user)
		}
		args = append(args, buildLabelArgs(config)...)
	}

	if config != nil {
		for _, e := range stringSlice(config["Entrypoint"]) {
			args = append(args, quote(e))
		}
		if image := getString(config, "Image"); image != "" {
			args = append(args, image)
		}
		for _, e := range stringSlice(config["Cmd"]) {
			args = append(args, quote(e))
		}
	}

	return args
}

func buildPortArgs(hostConfig map[string]any, overrides PortOverride) []string {
	var args []string
	if hostConfig == nil {
		return args
	}
	bindings, ok := hostConfig["PortBindings"].(map[string]any)
	if !ok {
		return args
	}

	containerPorts := make([]string, 0, len(bindings))
	for cp := range bindings {
		containerPorts = append(containerPorts, cp)
	}
	sort.Strings(containerPorts)

	emitted := make(map[string]bool)

	// Overrides take precedence and are emitted first.
	overridePorts := make([]string, 0, len(overrides))
	for cp := range overrides {
		overridePorts = append(overridePorts, cp)
	}
	sort.Strings(overridePorts)
	for _, cp := range overridePorts {
		if _, ok := bindings[cp]; !ok {
			continue
		}
		args = append(args, "-p", overrides[cp]+":"+cp)
		emitted[cp] = true
	}

	for _, cp := range containerPorts {
		if emitted[cp] {
			continue
		}
		entries, ok := bindings[cp].([]any)
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
			args = append(args, "-p", hostPort+":"+cp)
		}
	}

	return args
}

func buildNetworkArgs(doc, hostConfig map[string]any) []string {
	var args []string
	if hostConfig == nil {
		return args
	}
	mode := getString(hostConfig, "NetworkMode")
	if mode != "" && mode != "default" {
		args = append(args, "--network", mode)
	}

	networkName := mode
	if networkName == "" || networkName == "default" {
		networkName = "bridge"
	}

	netSettings, _ := doc["NetworkSettings"].(map[string]any)
	if netSettings == nil {
		return args
	}
	networks, _ := netSettings["Networks"].(map[string]any)
	net, ok := networks[networkName].(map[string]any)
	if !ok {
		return args
	}
	ip := getString(net, "IPAddress")
	if ip != "" && !defaultNetworks[networkName] {
		args = append(args, "--ip", ip)
	}
	return args
}

func buildLabelArgs(config map[string]any) []string {
	var args []string
	labels, ok := config["Labels"].(map[string]any)
	if !ok {
		return args
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v, _ := labels[k].(string)
		args = append(args, "--label", fmt.Sprintf("%s=%s", k, v))
	}
	return args
}

// quote wraps s in double quotes, escaping embedded double quotes, if s
// contains whitespace or any of $ \ " '.
func quote(s string) string {
	if !needsQuoting(s) {
		return s
	}
	escaped := strings.ReplaceAll(s, `"`, `\"`)
	return `"` + escaped + `"`
}

func needsQuoting(s string) bool {
	if strings.ContainsAny(s, " \t\n") {
		return true
	}
	return strings.ContainsAny(s, `$\"'`)
}

// IsDefaultNetwork reports whether name is one of the daemon's built-in
// networks, which are refused for both backup and restore.
func IsDefaultNetwork(name string) bool {
	return defaultNetworks[name]
}

func getString(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

func stringSlice(v any) []string {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, e := range arr {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
