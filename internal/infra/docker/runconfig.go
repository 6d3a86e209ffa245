package docker

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"hostsync/internal/reconcile"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/go-connections/nat"
	"github.com/docker/go-units"
	"github.com/go-viper/mapstructure/v2"
	"github.com/mattn/go-shellwords"
)

// runArgs mirrors the keyword arguments of the Docker SDK's containers.run.
// Keys that accept several shapes are decoded as any and resolved later.
type runArgs struct {
	Image         string            `mapstructure:"image"`
	Name          string            `mapstructure:"name"`
	Command       any               `mapstructure:"command"`
	Entrypoint    any               `mapstructure:"entrypoint"`
	Environment   any               `mapstructure:"environment"`
	Ports         map[string]any    `mapstructure:"ports"`
	Volumes       any               `mapstructure:"volumes"`
	RestartPolicy any               `mapstructure:"restart_policy"`
	NetworkMode   string            `mapstructure:"network_mode"`
	Network       string            `mapstructure:"network"`
	MemLimit      any               `mapstructure:"mem_limit"`
	ShmSize       any               `mapstructure:"shm_size"`
	Labels        any               `mapstructure:"labels"`
	ExtraHosts    any               `mapstructure:"extra_hosts"`
	User          string            `mapstructure:"user"`
	WorkingDir    string            `mapstructure:"working_dir"`
	Hostname      string            `mapstructure:"hostname"`
	Domainname    string            `mapstructure:"domainname"`
	StopSignal    string            `mapstructure:"stop_signal"`
	PIDMode       string            `mapstructure:"pid_mode"`
	IPCMode       string            `mapstructure:"ipc_mode"`
	Privileged    bool              `mapstructure:"privileged"`
	Tty           bool              `mapstructure:"tty"`
	StdinOpen     bool              `mapstructure:"stdin_open"`
	ReadOnly      bool              `mapstructure:"read_only"`
	Init          *bool             `mapstructure:"init"`
	CapAdd        []string          `mapstructure:"cap_add"`
	CapDrop       []string          `mapstructure:"cap_drop"`
	DNS           []string          `mapstructure:"dns"`
	SecurityOpt   []string          `mapstructure:"security_opt"`
	GroupAdd      []string          `mapstructure:"group_add"`
	Devices       []string          `mapstructure:"devices"`
	Sysctls       map[string]string `mapstructure:"sysctls"`
	Tmpfs         map[string]string `mapstructure:"tmpfs"`
	CPUShares     int64             `mapstructure:"cpu_shares"`
	NanoCPUs      int64             `mapstructure:"nano_cpus"`
	// Accepted for compatibility; the logging policy and detached mode always apply.
	LogConfig any `mapstructure:"log_config"`
	Detach    any `mapstructure:"detach"`
}

// createArgs is a translated RunRequest, ready for ContainerCreate.
type createArgs struct {
	Name    string
	Config  *container.Config
	Host    *container.HostConfig
	Network *network.NetworkingConfig
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", reconcile.ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// translate turns a RunRequest into Docker create arguments. Every error wraps
// reconcile.ErrInvalidConfig.
func translate(req reconcile.RunRequest) (createArgs, error) {
	var args runArgs
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		ErrorUnused: true,
		Result:      &args,
	})
	if err != nil {
		return createArgs{}, fmt.Errorf("create config decoder: %w", err)
	}
	if err := dec.Decode(map[string]any(req.Config)); err != nil {
		return createArgs{}, invalid("%v", err)
	}
	if strings.TrimSpace(args.Image) == "" {
		return createArgs{}, invalid("image is required")
	}

	cc := &container.Config{
		Image:      args.Image,
		User:       args.User,
		WorkingDir: args.WorkingDir,
		Hostname:   args.Hostname,
		Domainname: args.Domainname,
		StopSignal: args.StopSignal,
		Tty:        args.Tty,
		OpenStdin:  args.StdinOpen,
	}
	hc := &container.HostConfig{
		Privileged:     args.Privileged,
		ReadonlyRootfs: args.ReadOnly,
		Init:           args.Init,
		CapAdd:         args.CapAdd,
		CapDrop:        args.CapDrop,
		DNS:            args.DNS,
		SecurityOpt:    args.SecurityOpt,
		GroupAdd:       args.GroupAdd,
		Sysctls:        args.Sysctls,
		Tmpfs:          args.Tmpfs,
		PidMode:        container.PidMode(args.PIDMode),
		IpcMode:        container.IpcMode(args.IPCMode),
		LogConfig: container.LogConfig{
			Type:   req.LogPolicy.Driver,
			Config: req.LogPolicy.Options(),
		},
	}
	hc.CPUShares = args.CPUShares
	hc.NanoCPUs = args.NanoCPUs

	if cc.Cmd, err = commandLine("command", args.Command); err != nil {
		return createArgs{}, err
	}
	if cc.Entrypoint, err = commandLine("entrypoint", args.Entrypoint); err != nil {
		return createArgs{}, err
	}
	if cc.Env, err = keyValues("environment", args.Environment, "="); err != nil {
		return createArgs{}, err
	}
	if hc.ExtraHosts, err = keyValues("extra_hosts", args.ExtraHosts, ":"); err != nil {
		return createArgs{}, err
	}
	if cc.Labels, err = labels(args.Labels); err != nil {
		return createArgs{}, err
	}
	maps.Copy(cc.Labels, req.Labels)

	if cc.ExposedPorts, hc.PortBindings, err = portBindings(args.Ports); err != nil {
		return createArgs{}, err
	}
	if hc.Binds, err = binds(args.Volumes); err != nil {
		return createArgs{}, err
	}
	if hc.RestartPolicy, err = restartPolicy(args.RestartPolicy); err != nil {
		return createArgs{}, err
	}
	if hc.Memory, err = byteSize("mem_limit", args.MemLimit); err != nil {
		return createArgs{}, err
	}
	if hc.ShmSize, err = byteSize("shm_size", args.ShmSize); err != nil {
		return createArgs{}, err
	}
	if hc.Devices, err = devices(args.Devices); err != nil {
		return createArgs{}, err
	}

	var nc *network.NetworkingConfig
	switch {
	case args.Network != "" && args.NetworkMode != "":
		return createArgs{}, invalid("network and network_mode are mutually exclusive")
	case args.Network != "":
		hc.NetworkMode = container.NetworkMode(args.Network)
		nc = &network.NetworkingConfig{EndpointsConfig: map[string]*network.EndpointSettings{args.Network: {}}}
	case args.NetworkMode != "":
		hc.NetworkMode = container.NetworkMode(args.NetworkMode)
	}

	return createArgs{Name: args.Name, Config: cc, Host: hc, Network: nc}, nil
}

// commandLine accepts a shell-style string or a list of strings.
func commandLine(key string, v any) ([]string, error) {
	switch c := v.(type) {
	case nil:
		return nil, nil
	case string:
		words, err := shellwords.Parse(c)
		if err != nil {
			return nil, invalid("%s: %v", key, err)
		}
		return words, nil
	case []any:
		return stringList(key, c)
	default:
		return nil, invalid("%s must be a string or a list, got %T", key, v)
	}
}

// keyValues accepts a list of preformatted entries or a map joined with sep.
// Map entries are sorted so the result is stable.
func keyValues(key string, v any, sep string) ([]string, error) {
	switch kv := v.(type) {
	case nil:
		return nil, nil
	case []any:
		return stringList(key, kv)
	case map[string]any:
		out := make([]string, 0, len(kv))
		for _, k := range slices.Sorted(maps.Keys(kv)) {
			s, err := scalar(key+"."+k, kv[k])
			if err != nil {
				return nil, err
			}
			out = append(out, k+sep+s)
		}
		return out, nil
	default:
		return nil, invalid("%s must be a list or a map, got %T", key, v)
	}
}

func labels(v any) (map[string]string, error) {
	out := make(map[string]string)
	switch l := v.(type) {
	case nil:
	case []any:
		names, err := stringList("labels", l)
		if err != nil {
			return nil, err
		}
		for _, n := range names {
			out[n] = ""
		}
	case map[string]any:
		for k, raw := range l {
			s, err := scalar("labels."+k, raw)
			if err != nil {
				return nil, err
			}
			out[k] = s
		}
	default:
		return nil, invalid("labels must be a list or a map, got %T", v)
	}
	return out, nil
}

// portBindings maps "port[/proto]" keys to a host port, an [ip, port] pair,
// a list of either, or null for a random host port.
func portBindings(ports map[string]any) (nat.PortSet, nat.PortMap, error) {
	if len(ports) == 0 {
		return nil, nil, nil
	}
	exposed := make(nat.PortSet, len(ports))
	bindings := make(nat.PortMap, len(ports))
	for key, raw := range ports {
		portNum, proto, _ := strings.Cut(key, "/")
		if proto == "" {
			proto = "tcp"
		}
		port, err := nat.NewPort(proto, portNum)
		if err != nil {
			return nil, nil, invalid("ports.%s: %v", key, err)
		}
		exposed[port] = struct{}{}

		var targets []any
		if list, ok := raw.([]any); ok && !isHostPair(list) {
			targets = list
		} else {
			targets = []any{raw}
		}
		for _, target := range targets {
			b, err := portBinding(key, target)
			if err != nil {
				return nil, nil, err
			}
			bindings[port] = append(bindings[port], b)
		}
	}
	return exposed, bindings, nil
}

func isHostPair(list []any) bool {
	if len(list) != 2 {
		return false
	}
	ip, ok := list[0].(string)
	return ok && strings.ContainsAny(ip, ".:")
}

func portBinding(key string, target any) (nat.PortBinding, error) {
	switch t := target.(type) {
	case nil:
		return nat.PortBinding{}, nil
	case []any:
		if !isHostPair(t) {
			return nat.PortBinding{}, invalid("ports.%s: expected [host_ip, host_port]", key)
		}
		hostPort, err := scalar("ports."+key, t[1])
		if err != nil {
			return nat.PortBinding{}, err
		}
		return nat.PortBinding{HostIP: t[0].(string), HostPort: hostPort}, nil
	default:
		hostPort, err := scalar("ports."+key, t)
		if err != nil {
			return nat.PortBinding{}, err
		}
		if _, err := strconv.ParseUint(hostPort, 10, 16); err != nil {
			return nat.PortBinding{}, invalid("ports.%s: invalid host port %q", key, hostPort)
		}
		return nat.PortBinding{HostPort: hostPort}, nil
	}
}

// binds accepts {host: {bind, mode}} or a list of "host:container[:mode]".
func binds(v any) ([]string, error) {
	switch vol := v.(type) {
	case nil:
		return nil, nil
	case []any:
		out, err := stringList("volumes", vol)
		if err != nil {
			return nil, err
		}
		for _, b := range out {
			if parts := strings.Split(b, ":"); len(parts) < 2 || len(parts) > 3 {
				return nil, invalid("volumes: %q is not host:container[:mode]", b)
			}
		}
		return out, nil
	case map[string]any:
		out := make([]string, 0, len(vol))
		for _, host := range slices.Sorted(maps.Keys(vol)) {
			opts, ok := vol[host].(map[string]any)
			if !ok {
				return nil, invalid("volumes.%s must be an object with bind and mode", host)
			}
			bind, _ := opts["bind"].(string)
			if bind == "" {
				return nil, invalid("volumes.%s: bind is required", host)
			}
			mode, _ := opts["mode"].(string)
			if mode == "" {
				mode = "rw"
			}
			out = append(out, host+":"+bind+":"+mode)
		}
		return out, nil
	default:
		return nil, invalid("volumes must be a list or a map, got %T", v)
	}
}

// restartPolicy accepts {"Name": ..., "MaximumRetryCount": n} or a bare name.
func restartPolicy(v any) (container.RestartPolicy, error) {
	var p container.RestartPolicy
	switch rp := v.(type) {
	case nil:
		return p, nil
	case string:
		p.Name = container.RestartPolicyMode(rp)
	case map[string]any:
		name, _ := rp["Name"].(string)
		p.Name = container.RestartPolicyMode(name)
		if raw, ok := rp["MaximumRetryCount"]; ok {
			s, err := scalar("restart_policy.MaximumRetryCount", raw)
			if err != nil {
				return p, err
			}
			n, err := strconv.Atoi(s)
			if err != nil {
				return p, invalid("restart_policy.MaximumRetryCount: %v", err)
			}
			p.MaximumRetryCount = n
		}
	default:
		return p, invalid("restart_policy must be a string or an object, got %T", v)
	}
	if err := container.ValidateRestartPolicy(p); err != nil {
		return p, invalid("restart_policy: %v", err)
	}
	return p, nil
}

// byteSize accepts a byte count or a human size such as "512m".
func byteSize(key string, v any) (int64, error) {
	switch s := v.(type) {
	case nil:
		return 0, nil
	case json.Number:
		n, err := s.Int64()
		if err != nil {
			return 0, invalid("%s: %v", key, err)
		}
		return n, nil
	case float64:
		return int64(s), nil
	case int:
		return int64(s), nil
	case int64:
		return s, nil
	case string:
		n, err := units.RAMInBytes(s)
		if err != nil {
			return 0, invalid("%s: %v", key, err)
		}
		return n, nil
	default:
		return 0, invalid("%s must be a number or a size string, got %T", key, v)
	}
}

// devices parses "host[:container[:permissions]]" entries.
func devices(specs []string) ([]container.DeviceMapping, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	out := make([]container.DeviceMapping, 0, len(specs))
	for _, s := range specs {
		parts := strings.Split(s, ":")
		d := container.DeviceMapping{PathOnHost: parts[0], PathInContainer: parts[0], CgroupPermissions: "rwm"}
		switch len(parts) {
		case 1:
		case 2:
			d.PathInContainer = parts[1]
		case 3:
			d.PathInContainer, d.CgroupPermissions = parts[1], parts[2]
		default:
			return nil, invalid("devices: %q is not host[:container[:permissions]]", s)
		}
		if d.PathOnHost == "" {
			return nil, invalid("devices: empty host path in %q", s)
		}
		out = append(out, d)
	}
	return out, nil
}

func stringList(key string, list []any) ([]string, error) {
	out := make([]string, 0, len(list))
	for i, item := range list {
		s, err := scalar(fmt.Sprintf("%s[%d]", key, i), item)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func scalar(key string, v any) (string, error) {
	switch s := v.(type) {
	case string:
		return s, nil
	case json.Number:
		return s.String(), nil
	case bool:
		return strconv.FormatBool(s), nil
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(s), nil
	case int64:
		return strconv.FormatInt(s, 10), nil
	default:
		return "", invalid("%s must be a scalar, got %T", key, v)
	}
}
