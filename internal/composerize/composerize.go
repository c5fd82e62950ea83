// Package composerize converts a "docker run" command line into an
// equivalent compose file.
package composerize

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/mattn/go-shellwords"
	"gopkg.in/yaml.v3"
)

var (
	ErrNotDockerRun = errors.New("command must start with 'docker run'")
	ErrNoImage      = errors.New("no image given")
)

type composeFile struct {
	Services map[string]service `yaml:"services"`
	Networks map[string]network `yaml:"networks,omitempty"`
}

type network struct {
	External bool `yaml:"external"`
}

type service struct {
	Image         string   `yaml:"image"`
	ContainerName string   `yaml:"container_name,omitempty"`
	Hostname      string   `yaml:"hostname,omitempty"`
	Restart       string   `yaml:"restart,omitempty"`
	Ports         []string `yaml:"ports,omitempty"`
	Volumes       []string `yaml:"volumes,omitempty"`
	Environment   []string `yaml:"environment,omitempty"`
	EnvFile       []string `yaml:"env_file,omitempty"`
	Networks      []string `yaml:"networks,omitempty"`
	WorkingDir    string   `yaml:"working_dir,omitempty"`
	Entrypoint    string   `yaml:"entrypoint,omitempty"`
	User          string   `yaml:"user,omitempty"`
	Labels        []string `yaml:"labels,omitempty"`
	Privileged    bool     `yaml:"privileged,omitempty"`
	StdinOpen     bool     `yaml:"stdin_open,omitempty"`
	Tty           bool     `yaml:"tty,omitempty"`
	Command       []string `yaml:"command,omitempty"`
}

// Flags that take no value.
var boolFlags = map[string]bool{
	"-d": true, "--detach": true, "--rm": true,
	"-i": true, "--interactive": true, "-t": true, "--tty": true,
	"--privileged": true, "--init": true,
}

// Translator implements the composerize event.
type Translator struct{}

// Translate converts command into compose YAML.
func (Translator) Translate(command string) (string, error) {
	return Convert(command)
}

// Convert parses a docker run command line and renders it as compose YAML.
func Convert(command string) (string, error) {
	args, err := split(command)
	if err != nil {
		return "", err
	}
	if len(args) < 2 || args[0] != "docker" {
		return "", ErrNotDockerRun
	}
	switch {
	case args[1] == "run":
		args = args[2:]
	case len(args) > 2 && args[1] == "container" && args[2] == "run":
		args = args[3:]
	default:
		return "", ErrNotDockerRun
	}

	var svc service
	for len(args) > 0 {
		arg := args[0]
		if !strings.HasPrefix(arg, "-") || arg == "-" {
			break
		}
		args = args[1:]

		name, value, hasValue := strings.Cut(arg, "=")
		if !strings.HasPrefix(arg, "--") && len(arg) > 2 && !hasValue {
			// Combined short flags like -it or -dit.
			if combinedBools(arg) {
				applyBools(&svc, arg)
				continue
			}
			name, value, hasValue = arg[:2], arg[2:], true
		}
		if boolFlags[name] {
			applyBools(&svc, name)
			continue
		}
		if !hasValue {
			if len(args) == 0 {
				return "", fmt.Errorf("flag %s needs a value", name)
			}
			value, args = args[0], args[1:]
		}
		applyFlag(&svc, name, value)
	}

	if len(args) == 0 {
		return "", ErrNoImage
	}
	svc.Image, args = args[0], args[1:]
	if len(args) > 0 {
		svc.Command = args
	}

	file := composeFile{Services: map[string]service{serviceName(svc): svc}}
	for _, n := range svc.Networks {
		switch n {
		case "host", "bridge", "none":
			continue
		}
		if file.Networks == nil {
			file.Networks = make(map[string]network)
		}
		file.Networks[n] = network{External: true}
	}

	out, err := yaml.Marshal(file)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func combinedBools(arg string) bool {
	for _, c := range arg[1:] {
		if !boolFlags["-"+string(c)] {
			return false
		}
	}
	return true
}

func applyBools(svc *service, arg string) {
	if arg == "--privileged" {
		svc.Privileged = true
		return
	}
	if strings.HasPrefix(arg, "--") {
		switch arg {
		case "--interactive":
			svc.StdinOpen = true
		case "--tty":
			svc.Tty = true
		}
		return
	}
	for _, c := range arg[1:] {
		switch c {
		case 'i':
			svc.StdinOpen = true
		case 't':
			svc.Tty = true
		}
	}
}

func applyFlag(svc *service, name, value string) {
	switch name {
	case "--name":
		svc.ContainerName = value
	case "-p", "--publish":
		svc.Ports = append(svc.Ports, value)
	case "-v", "--volume":
		svc.Volumes = append(svc.Volumes, value)
	case "-e", "--env":
		svc.Environment = append(svc.Environment, value)
	case "--env-file":
		svc.EnvFile = append(svc.EnvFile, value)
	case "--restart":
		svc.Restart = value
	case "--network", "--net":
		svc.Networks = append(svc.Networks, value)
	case "-h", "--hostname":
		svc.Hostname = value
	case "-w", "--workdir":
		svc.WorkingDir = value
	case "--entrypoint":
		svc.Entrypoint = value
	case "-u", "--user":
		svc.User = value
	case "-l", "--label":
		svc.Labels = append(svc.Labels, value)
	}
}

// serviceName picks the container name, or the image's base name.
func serviceName(svc service) string {
	if svc.ContainerName != "" {
		return svc.ContainerName
	}
	name := path.Base(svc.Image)
	if i := strings.IndexAny(name, ":@"); i > 0 {
		name = name[:i]
	}
	return name
}

// split tokenizes a shell command line.
func split(s string) ([]string, error) {
	args, err := shellwords.Parse(posixEscapes(s))
	if err != nil {
		return nil, fmt.Errorf("parse command: %w", err)
	}
	return args, nil
}

// posixEscapes rewrites backslashes for shellwords, which treats every
// backslash outside single quotes as an escape. Line continuations are
// dropped. Inside double quotes only $ ` " \ can be escaped; any other
// backslash stays literal.
func posixEscapes(s string) string {
	var b strings.Builder
	var quote rune
	rs := []rune(s)
	for i := 0; i < len(rs); i++ {
		r := rs[i]
		switch {
		case quote == '\'':
			if r == '\'' {
				quote = 0
			}
			b.WriteRune(r)
		case r == '\\' && i+1 < len(rs):
			next := rs[i+1]
			switch {
			case next == '\n':
				i++
			case quote == '"' && !strings.ContainsRune("$`\"\\", next):
				b.WriteString(`\\`)
			case quote == 0 && (next == 'n' || next == 't'):
				b.WriteRune(next)
				i++
			default:
				b.WriteRune(r)
				b.WriteRune(next)
				i++
			}
		case r == '"' || r == '\'':
			if quote == 0 {
				quote = r
			} else if quote == r {
				quote = 0
			}
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
