package main

import (
	"context"
	"fmt"
	"os"

	"github.com/go-logr/logr"
	jujuerrors "github.com/juju/errors"
	"github.com/vishvananda/netlink"

	"github.com/jbweber/crucible/api/v1alpha1"
	"github.com/jbweber/crucible/internal/agent"
	"github.com/jbweber/crucible/internal/config"
	"github.com/jbweber/crucible/internal/firewall"
	"github.com/jbweber/crucible/internal/hypervisor"
	"github.com/jbweber/crucible/internal/imageupload"
	"github.com/jbweber/crucible/internal/instancestore"
	"github.com/jbweber/crucible/internal/libvirt"
	"github.com/jbweber/crucible/internal/loader"
	"github.com/jbweber/crucible/internal/output"
	"github.com/jbweber/crucible/internal/storage"
	"github.com/jbweber/crucible/internal/vif"
	"github.com/jbweber/crucible/internal/vm"
	"github.com/jbweber/crucible/internal/volume"
)

// env holds everything a command needs. It is built once per command and
// closed when the command returns.
type env struct {
	opts  *config.Options
	log   logr.Logger
	out   output.Formatter
	store *instancestore.Store
	nl    *netlink.Handle

	// local is bound to the libvirt daemon of this host.
	local *backend

	closers []func() error
}

// backend is the set of collaborators bound to one libvirt connection.
type backend struct {
	client  *libvirt.Client
	session *libvirt.Session
	storage *storage.Manager
	ops     *vm.Ops
}

// newEnv loads the config, connects to libvirt and wires the orchestrator.
func newEnv(ctx context.Context) (*env, error) {
	opts, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	log, syncLog, err := newLogger(debug)
	if err != nil {
		return nil, err
	}

	out, err := output.NewFormatter(output.Options{Format: output.Format(outputFormat)})
	if err != nil {
		return nil, err
	}

	e := &env{opts: opts, log: log, out: out}
	e.closers = append(e.closers, func() error { syncLog(); return nil })

	store, err := instancestore.Open(ctx, opts.InstanceDB, log)
	if err != nil {
		e.Close()
		return nil, err
	}
	e.store = store
	e.closers = append(e.closers, store.Close)

	nl, err := netlink.NewHandle()
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("failed to open netlink handle: %w", err)
	}
	e.nl = nl
	e.closers = append(e.closers, func() error { nl.Close(); return nil })

	client, err := libvirt.Dial(ctx, opts)
	if err != nil {
		e.Close()
		return nil, err
	}
	e.closers = append(e.closers, client.Close)

	local, err := e.connect(ctx, client)
	if err != nil {
		e.Close()
		return nil, err
	}
	e.local = local
	return e, nil
}

// connect wires the orchestrator to client.
func (e *env) connect(ctx context.Context, client *libvirt.Client) (*backend, error) {
	l := client.Libvirt()
	session := libvirt.NewSession(l, e.opts, e.log)
	disks := storage.NewManager(l, e.opts, e.log, e.dialStorage)

	fw, err := firewall.New(e.opts.FirewallDriver, l, e.log)
	if err != nil {
		return nil, err
	}

	deps := vm.Deps{
		Session:  session,
		Disks:    disks,
		VIFs:     vif.NewBridgeDriver(e.nl, e.log, e.opts.FirewallDriver == firewall.DriverNWFilter),
		Firewall: fw,
		Agents: agentFactory{agent.NewFactory(l, e.log, agent.Options{
			Timeout:       e.opts.AgentTimeout,
			MinVersion:    e.opts.AgentMinVersion,
			UpdateCommand: e.opts.AgentUpdateCommand,
		})},
		Volumes:  volume.NewManager(l, session, e.log),
		Store:    e.store,
		Migrator: libvirt.NewMigrator(session),
		Log:      e.log,
	}

	if e.opts.ImageBucket != "" {
		s3, err := imageupload.NewClient(ctx, e.opts.ImageRegion)
		if err != nil {
			return nil, err
		}
		deps.Uploader = imageupload.New(s3, disks, e.opts.ImageBucket, e.log, imageupload.WithPrefix(e.opts.ImagePrefix))
	}

	return &backend{
		client:  client,
		session: session,
		storage: disks,
		ops:     vm.New(deps, e.opts),
	}, nil
}

// remote connects to the libvirt daemon of host. The connection is closed
// with the env.
func (e *env) remote(ctx context.Context, host string) (*backend, error) {
	client, err := libvirt.DialRemote(ctx, host, e.opts.LibvirtTimeout)
	if err != nil {
		return nil, err
	}
	e.closers = append(e.closers, client.Close)
	return e.connect(ctx, client)
}

// dialStorage opens the storage connection a disk transfer streams into.
func (e *env) dialStorage(ctx context.Context, host string) (storage.LibvirtClient, func() error, error) {
	client, err := libvirt.DialRemote(ctx, host, e.opts.LibvirtTimeout)
	if err != nil {
		return nil, nil, err
	}
	return client.Libvirt(), client.Close, nil
}

// Close releases everything opened by newEnv, newest first.
func (e *env) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
	}
	e.closers = nil
}

// loadInstance reads an Instance file and restores the state recorded in
// the instance store. Instances without a record stay untracked.
func (e *env) loadInstance(ctx context.Context, path string) (*v1alpha1.Instance, error) {
	inst, err := loader.LoadFromFile(path)
	if err != nil {
		return nil, err
	}

	rec, err := e.store.Get(ctx, inst.UUID())
	switch {
	case jujuerrors.Is(err, jujuerrors.NotFound):
		return inst, nil
	case err != nil:
		return nil, err
	}
	inst.Status.State = v1alpha1.InstanceState(rec.VMState)
	inst.Status.Progress = rec.Progress
	return inst, nil
}

// withEnv runs fn with a fresh env.
func withEnv(fn func(ctx context.Context, e *env) error) error {
	ctx := context.Background()
	e, err := newEnv(ctx)
	if err != nil {
		return err
	}
	defer e.Close()
	return fn(ctx, e)
}

// withInstance runs fn with a fresh env and the Instance at path.
func withInstance(path string, fn func(ctx context.Context, e *env, inst *v1alpha1.Instance) error) error {
	return withEnv(func(ctx context.Context, e *env) error {
		inst, err := e.loadInstance(ctx, path)
		if err != nil {
			return err
		}
		return fn(ctx, e, inst)
	})
}

// agentFactory adapts agent.Factory to the orchestrator.
type agentFactory struct {
	f *agent.Factory
}

func (a agentFactory) AgentFor(inst *v1alpha1.Instance, ref hypervisor.Ref) vm.Agent {
	return a.f.AgentFor(inst, ref)
}
