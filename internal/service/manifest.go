package service

import (
	"context"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/compose-spec/compose-go/v2/loader"
	composetypes "github.com/compose-spec/compose-go/v2/types"
	"github.com/joho/godotenv"
	"github.com/web-casa/mcstack/internal/model"
)

// PortIncrement is the per-stack port stride. It must never change once stacks
// exist: port(service, id) = base(service) + id*PortIncrement.
const PortIncrement = 3

// File names inside a stack directory.
const (
	ManifestFile = "compose.yaml"
	ConfigFile   = ".env"
)

// Recognized template keys.
const (
	keyServerPort    = "SERVER_PORT"
	keyRconPort      = "RCON_PORT"
	keySftpPort      = "SFTP_SERVER_PORT"
	keyServerService = "MINECRAFT_SERVER_SERVICE"
	keyServerVolume  = "MINECRAFT_SERVER_VOLUME"
	keyServerNetwork = "MINECRAFT_SERVER_NETWORK"
	keySftpService   = "SFTP_SERVER_SERVICE"
)

var portKeys = []string{keyServerPort, keyRconPort, keySftpPort}
var nameKeys = []string{keyServerService, keyServerVolume, keyServerNetwork, keySftpService}

//go:embed defaults/stack.env defaults/compose.yaml
var defaults embed.FS

// ResourceNames are the runtime names derived for one stack.
type ResourceNames struct {
	Primary  string // minecraft server container
	Volume   string
	Network  string
	Transfer string // sftp container
}

// Template is the immutable stack template: an env-style config file and a
// compose manifest. It is loaded once at startup.
type Template struct {
	config   string
	manifest []byte
	base     model.Ports
	names    ResourceNames
}

// LoadTemplate reads .env and compose.yaml from dir, or the embedded defaults
// when dir is empty.
func LoadTemplate(dir string) (*Template, error) {
	var (
		config, manifest []byte
		err              error
	)
	if dir == "" {
		if config, err = defaults.ReadFile("defaults/stack.env"); err == nil {
			manifest, err = defaults.ReadFile("defaults/compose.yaml")
		}
	} else {
		if config, err = os.ReadFile(filepath.Join(dir, ConfigFile)); err == nil {
			manifest, err = os.ReadFile(filepath.Join(dir, ManifestFile))
		}
	}
	if err != nil {
		return nil, fsErr("template", 0, "template files not found", err)
	}
	return ParseTemplate(string(config), manifest)
}

// ParseTemplate validates template text. Every recognized key must be present and
// every port must be a positive integer; anything else is a packaging defect.
func ParseTemplate(config string, manifest []byte) (*Template, error) {
	env, err := godotenv.Unmarshal(config)
	if err != nil {
		return nil, &StackError{Op: "template", Kind: ErrValidation, Message: "template config is not a valid env file", Err: err}
	}

	port := func(key string) (int, error) {
		raw, ok := env[key]
		if !ok {
			return 0, validationErr("template", 0, key+" not found in template config")
		}
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil || n <= 0 || n > 65535 {
			return 0, validationErr("template", 0, fmt.Sprintf("%s has invalid port %q", key, raw))
		}
		return n, nil
	}
	t := &Template{config: config, manifest: manifest}
	if t.base.Primary, err = port(keyServerPort); err != nil {
		return nil, err
	}
	if t.base.Control, err = port(keyRconPort); err != nil {
		return nil, err
	}
	if t.base.Transfer, err = port(keySftpPort); err != nil {
		return nil, err
	}

	for _, key := range nameKeys {
		if strings.TrimSpace(env[key]) == "" {
			return nil, validationErr("template", 0, key+" not found in template config")
		}
	}
	t.names = ResourceNames{
		Primary:  env[keyServerService],
		Volume:   env[keyServerVolume],
		Network:  env[keyServerNetwork],
		Transfer: env[keySftpService],
	}

	if len(strings.TrimSpace(string(manifest))) == 0 {
		return nil, validationErr("template", 0, "template manifest is empty")
	}
	return t, nil
}

// BasePorts returns the template's base port values.
func (t *Template) BasePorts() model.Ports { return t.base }

// ComputePorts returns the ports for stack id.
func (t *Template) ComputePorts(id int) (model.Ports, error) {
	if id <= 0 {
		return model.Ports{}, validationErr("ports", id, fmt.Sprintf("invalid stack id %d", id))
	}
	p := model.Ports{
		Primary:  t.base.Primary + id*PortIncrement,
		Control:  t.base.Control + id*PortIncrement,
		Transfer: t.base.Transfer + id*PortIncrement,
	}
	if p.Primary > 65535 || p.Control > 65535 || p.Transfer > 65535 {
		return model.Ports{}, validationErr("ports", id, fmt.Sprintf("stack %d exceeds the port range", id))
	}
	return p, nil
}

// Names returns the container, volume and network names for stack id.
func (t *Template) Names(id int) ResourceNames {
	suffix := "_" + strconv.Itoa(id)
	return ResourceNames{
		Primary:  t.names.Primary + suffix,
		Volume:   t.names.Volume + suffix,
		Network:  t.names.Network + suffix,
		Transfer: t.names.Transfer + suffix,
	}
}

// RenderConfig rewrites the template config for stack id. Comment and blank lines
// and unrecognized keys pass through verbatim.
func (t *Template) RenderConfig(id int, ports model.Ports) (string, error) {
	if id <= 0 {
		return "", validationErr("render", id, fmt.Sprintf("invalid stack id %d", id))
	}
	names := t.Names(id)
	values := map[string]string{
		keyServerPort:    strconv.Itoa(ports.Primary),
		keyRconPort:      strconv.Itoa(ports.Control),
		keySftpPort:      strconv.Itoa(ports.Transfer),
		keyServerService: names.Primary,
		keyServerVolume:  names.Volume,
		keyServerNetwork: names.Network,
		keySftpService:   names.Transfer,
	}

	seen := make(map[string]bool, len(values))
	lines := strings.Split(t.config, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		lhs, _, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(lhs), "export "))
		if v, ok := values[key]; ok {
			lines[i] = key + "=" + v
			seen[key] = true
		}
	}

	for _, key := range append(append([]string{}, portKeys...), nameKeys...) {
		if !seen[key] {
			return "", validationErr("render", id, key+" not found in template config")
		}
	}
	return strings.Join(lines, "\n"), nil
}

// RenderManifest returns the compose manifest. It is copied verbatim; names and
// ports reach it through the rendered config.
func (t *Template) RenderManifest() []byte {
	out := make([]byte, len(t.manifest))
	copy(out, t.manifest)
	return out
}

// ProjectName is the compose project name of stack id.
func ProjectName(id int) string {
	return "stack_" + strconv.Itoa(id)
}

// ValidateManifest loads the rendered manifest with the rendered config as its
// environment and checks that it declares both expected containers. A failure
// here means the template is broken, not that the request was.
func (t *Template) ValidateManifest(ctx context.Context, id int, workingDir, config string, manifest []byte) error {
	env, err := godotenv.Unmarshal(config)
	if err != nil {
		return &StackError{Op: "render", StackID: id, Kind: ErrValidation, Message: "rendered config is not a valid env file", Err: err}
	}

	project, err := loader.LoadWithContext(ctx, composetypes.ConfigDetails{
		WorkingDir:  workingDir,
		ConfigFiles: []composetypes.ConfigFile{{Filename: filepath.Join(workingDir, ManifestFile), Content: manifest}},
		Environment: composetypes.Mapping(env),
	}, func(o *loader.Options) {
		o.SetProjectName(ProjectName(id), true)
	})
	if err != nil {
		return &StackError{Op: "render", StackID: id, Kind: ErrValidation, Message: "rendered manifest is invalid", Err: err}
	}

	containers := make(map[string]bool)
	for _, svc := range project.Services {
		containers[svc.ContainerName] = true
	}
	names := t.Names(id)
	for _, want := range []string{names.Primary, names.Transfer} {
		if !containers[want] {
			return validationErr("render", id, fmt.Sprintf("rendered manifest does not declare container %s", want))
		}
	}
	return nil
}
