// Package agent talks to the QEMU guest agent of a VM through the
// guest-agent channel of its libvirt domain.
//
// Commands are QGA JSON documents passed to QEMUDomainAgentCommand. An
// agent that does not answer is reported as an empty version, so callers
// can skip guest configuration instead of failing. Other failures are
// returned as *hypervisor.Failure whose last detail carries a "TIMEOUT:"
// or "NOT IMPLEMENTED:" prefix when the guest side timed out or does not
// know the command (see hypervisor.ClassifyPluginFailure).
package agent

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/digitalocean/go-libvirt"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/juju/clock"
	jujuerrors "github.com/juju/errors"

	"github.com/jbweber/crucible/api/v1alpha1"
	"github.com/jbweber/crucible/internal/hypervisor"
)

// Image properties read by the agent.
const (
	// ImagePropAdminUser names the guest account that receives keys and the
	// admin password.
	ImagePropAdminUser = "os_admin_user"
)

// Client lists the go-libvirt calls this package makes. *libvirt.Libvirt
// satisfies it.
type Client interface {
	DomainLookupByUUID(UUID libvirt.UUID) (libvirt.Domain, error)
	QEMUDomainAgentCommand(Dom libvirt.Domain, Cmd string, Timeout int32, Flags uint32) (libvirt.OptString, error)
}

// Options configures the agents of a Factory.
type Options struct {
	// Timeout bounds each agent command. Zero means 30 seconds.
	Timeout time.Duration
	// PollInterval is the wait between guest-exec-status calls. Zero means
	// one second.
	PollInterval time.Duration
	// ResetCommand is run in the guest to reapply the network
	// configuration. Empty means "cloud-init init --local".
	ResetCommand []string
	// MinVersion is the oldest agent version accepted without an update.
	// Empty disables updates.
	MinVersion string
	// UpdateCommand is run in the guest to update an agent older than
	// MinVersion.
	UpdateCommand []string
	// Clock drives exec polling. Defaults to the wall clock.
	Clock clock.Clock
}

// Factory hands out the agents of VMs over one libvirt connection.
type Factory struct {
	client Client
	log    logr.Logger
	opts   Options
}

// NewFactory creates a Factory.
func NewFactory(client Client, log logr.Logger, opts Options) *Factory {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = time.Second
	}
	if len(opts.ResetCommand) == 0 {
		opts.ResetCommand = []string{"cloud-init", "init", "--local"}
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	return &Factory{client: client, log: log.WithName("agent"), opts: opts}
}

// AgentFor returns the agent of vm, which runs inst.
func (f *Factory) AgentFor(inst *v1alpha1.Instance, vm hypervisor.Ref) *Agent {
	return &Agent{
		client: f.client,
		log:    f.log.WithValues("instance", inst.UUID(), "vm", string(vm)),
		opts:   f.opts,
		inst:   inst,
		vm:     vm,
	}
}

// Agent is the guest agent of one VM.
type Agent struct {
	client Client
	log    logr.Logger
	opts   Options
	inst   *v1alpha1.Instance
	vm     hypervisor.Ref
}

// Version returns the agent version, or "" when the agent does not answer.
func (a *Agent) Version(ctx context.Context) (string, error) {
	var info struct {
		Version string `json:"version"`
	}
	if err := a.call(ctx, "guest-info", nil, &info); err != nil {
		if unresponsive(err) {
			a.log.V(1).Info("agent did not answer", "error", err.Error())
			return "", nil
		}
		return "", err
	}
	return info.Version, nil
}

// UpdateIfNeeded updates an agent older than the configured minimum
// version. Without an update command an old agent is NotSupported.
func (a *Agent) UpdateIfNeeded(ctx context.Context, version string) error {
	if a.opts.MinVersion == "" || version == "" {
		return nil
	}
	if compareVersions(version, a.opts.MinVersion) >= 0 {
		return nil
	}
	if len(a.opts.UpdateCommand) == 0 {
		return jujuerrors.NotSupportedf("updating agent %s to %s", version, a.opts.MinVersion)
	}
	a.log.Info("updating agent", "version", version, "minVersion", a.opts.MinVersion)
	return a.exec(ctx, a.opts.UpdateCommand)
}

// InjectSSHKey adds keys to the authorized keys of the admin user.
func (a *Agent) InjectSSHKey(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	args := map[string]any{
		"username": a.adminUser(),
		"keys":     keys,
		"reset":    false,
	}
	return a.call(ctx, "guest-ssh-add-authorized-keys", args, nil)
}

// InjectFile writes contents to path in the guest, replacing the file.
func (a *Agent) InjectFile(ctx context.Context, path string, contents []byte) error {
	var handle int
	if err := a.call(ctx, "guest-file-open", map[string]any{"path": path, "mode": "w"}, &handle); err != nil {
		return err
	}

	writeErr := a.call(ctx, "guest-file-write", map[string]any{
		"handle":  handle,
		"buf-b64": base64.StdEncoding.EncodeToString(contents),
	}, nil)
	closeErr := a.call(ctx, "guest-file-close", map[string]any{"handle": handle}, nil)
	if writeErr != nil {
		return writeErr
	}
	return closeErr
}

// SetAdminPassword changes the password of the admin user.
func (a *Agent) SetAdminPassword(ctx context.Context, password string) error {
	return a.call(ctx, "guest-set-user-password", map[string]any{
		"username": a.adminUser(),
		"password": base64.StdEncoding.EncodeToString([]byte(password)),
		"crypted":  false,
	}, nil)
}

// ResetNetwork runs the reset command in the guest and waits for it.
func (a *Agent) ResetNetwork(ctx context.Context) error {
	return a.exec(ctx, a.opts.ResetCommand)
}

func (a *Agent) adminUser() string {
	if u := a.inst.Spec.Image.Properties[ImagePropAdminUser]; u != "" {
		return u
	}
	if a.inst.IsWindows() {
		return "Administrator"
	}
	return "root"
}

// exec runs argv in the guest and waits until it exits.
func (a *Agent) exec(ctx context.Context, argv []string) error {
	var started struct {
		PID int `json:"pid"`
	}
	args := map[string]any{"path": argv[0], "arg": argv[1:], "capture-output": true}
	if err := a.call(ctx, "guest-exec", args, &started); err != nil {
		return err
	}
	if started.PID == 0 {
		return a.failure(hypervisor.CodeInternalError, "guest-exec returned no pid", nil)
	}

	clk := a.opts.Clock
	deadline := clk.Now().Add(a.opts.Timeout)
	for {
		var status struct {
			Exited   bool   `json:"exited"`
			ExitCode int    `json:"exitcode"`
			ErrData  string `json:"err-data"`
		}
		if err := a.call(ctx, "guest-exec-status", map[string]any{"pid": started.PID}, &status); err != nil {
			return err
		}
		if status.Exited {
			if status.ExitCode != 0 {
				stderr, _ := base64.StdEncoding.DecodeString(status.ErrData)
				return a.failure(hypervisor.CodeInternalError,
					fmt.Sprintf("%s exited with %d: %s", argv[0], status.ExitCode, strings.TrimSpace(string(stderr))), nil)
			}
			a.log.V(1).Info("guest command finished", "command", argv[0])
			return nil
		}
		if !clk.Now().Before(deadline) {
			return a.failure(hypervisor.CodeInternalError, "TIMEOUT: "+argv[0]+" did not exit", nil)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-clk.After(a.opts.PollInterval):
		}
	}
}

// call runs one agent command and decodes its return value into out.
func (a *Agent) call(ctx context.Context, command string, args any, out any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	id, err := uuid.Parse(string(a.vm))
	if err != nil {
		return a.failure(hypervisor.CodeHandleInvalid, "VM "+string(a.vm), err)
	}
	dom, err := a.client.DomainLookupByUUID(libvirt.UUID(id))
	if err != nil {
		return a.translate(command, err)
	}

	req := map[string]any{"execute": command}
	if args != nil {
		req["arguments"] = args
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", command, err)
	}

	resp, err := a.client.QEMUDomainAgentCommand(dom, string(payload), int32(a.opts.Timeout/time.Second), 0)
	if err != nil {
		return a.translate(command, err)
	}
	if out == nil {
		return nil
	}
	if len(resp) == 0 {
		return a.failure(hypervisor.CodeInternalError, command+" returned nothing", nil)
	}

	var reply struct {
		Return json.RawMessage `json:"return"`
	}
	if err := json.Unmarshal([]byte(resp[0]), &reply); err != nil {
		return fmt.Errorf("failed to decode %s reply: %w", command, err)
	}
	if err := json.Unmarshal(reply.Return, out); err != nil {
		return fmt.Errorf("failed to decode %s reply: %w", command, err)
	}
	return nil
}

func (a *Agent) failure(code, detail string, err error) error {
	return &hypervisor.Failure{Code: code, Details: []string{string(a.vm), detail}, Err: err}
}

// compareVersions compares dotted numeric versions. Missing or
// non-numeric parts count as zero.
func compareVersions(a, b string) int {
	as, bs := strings.Split(a, "."), strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		x, y := versionPart(as, i), versionPart(bs, i)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
	}
	return 0
}

func versionPart(parts []string, i int) int {
	if i >= len(parts) {
		return 0
	}
	n, _ := strconv.Atoi(parts[i])
	return n
}
