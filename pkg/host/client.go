package host

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gaborcsardi/mirai/pkg/codec"
	"github.com/gaborcsardi/mirai/pkg/dispatch"
	"github.com/gaborcsardi/mirai/pkg/launch"
	"github.com/gaborcsardi/mirai/pkg/log"
	"github.com/gaborcsardi/mirai/pkg/protocol"
	"github.com/gaborcsardi/mirai/pkg/tlsutil"
	"github.com/gaborcsardi/mirai/pkg/transport"
	"github.com/gaborcsardi/mirai/pkg/utils"
	"github.com/google/uuid"
)

// Options for Submit. The zero value submits to the default profile
// with no timeout and no extension references.
type SubmitOptions struct {
	// Profile to submit against. Empty means "default".
	Profile string

	// Host-side timeout. The handle resolves to a timeout result
	// when it expires; the daemon keeps evaluating.
	Timeout time.Duration

	// Opaque references serialized through the profile's codec
	// registry into the extension table.
	Refs []codec.Ref
}

// Options for ConfigureDaemons.
type DaemonOptions struct {
	// Profile to configure. Empty means "default".
	Profile string

	// Base listen URL. Dispatcher mode derives one URL per slot
	// from it. Empty means tcp://127.0.0.1:0.
	URL string

	// Skip the intermediary: daemons pull from one shared socket.
	// Dispatch is then neither FIFO nor least-loaded.
	Direct bool

	// TLS credentials for tls+tcp and wss URLs. Generated
	// ephemerally when nil and the URL scheme requires them.
	Material *tlsutil.Material
}

// The caller-facing client. Owns the process-wide profile table;
// each profile owns its own dispatcher and sockets.
type Client struct {
	mu       sync.RWMutex
	profiles map[string]*profile
}

func NewClient() *Client {
	return &Client{
		profiles: map[string]*profile{},
	}
}

// getProfile returns an existing profile.
func (c *Client) getProfile(name string) (*profile, error) {
	if name == "" {
		name = DefaultProfile
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	p, ok := c.profiles[name]
	if !ok {
		return nil, fmt.Errorf("%w: profile %q", utils.ErrNotFound, name)
	}
	return p, nil
}

// ensureProfile returns the profile, creating it if needed.
func (c *Client) ensureProfile(name string) *profile {
	if name == "" {
		name = DefaultProfile
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.profiles[name]
	if !ok {
		p = newProfile(name)
		c.profiles[name] = p
	}
	return p
}

// ConfigureDaemons sets the number of daemon slots for a profile and
// opens the listening sockets. Zero tears the profile's pool down:
// pending handles resolve as canceled and connected daemons are shut
// down. Reconfiguring an active profile tears down the old pool
// first.
func (c *Client) ConfigureDaemons(n int, opts *DaemonOptions) (int, error) {
	if opts == nil {
		opts = &DaemonOptions{}
	}
	if n < 0 {
		return 0, utils.ErrBadRequest
	}

	p := c.ensureProfile(opts.Profile)
	p.teardown()

	if n == 0 {
		log.Infof("del - pool - profile: %s", p.name)
		return 0, nil
	}

	baseURL := opts.URL
	if baseURL == "" {
		baseURL = "tcp://127.0.0.1:0"
	}

	uri, err := transport.Parse(baseURL)
	if err != nil {
		return 0, err
	}

	material := opts.Material
	if uri.TLS() && material == nil {
		material, err = tlsutil.Ephemeral()
		if err != nil {
			return 0, err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())

	var backend dispatch.Backend
	if opts.Direct {
		hub, err := dispatch.NewDirectHub(baseURL, material)
		if err != nil {
			cancel()
			return 0, err
		}
		go hub.Run(ctx)
		backend = hub
	} else {
		urls, err := slotURLs(uri, n)
		if err != nil {
			cancel()
			return 0, err
		}

		dispatcher, err := dispatch.NewDispatcher(urls, material)
		if err != nil {
			cancel()
			return 0, err
		}
		go dispatcher.Run(ctx)
		backend = dispatcher
	}

	p.mu.Lock()
	p.backend = backend
	p.cancel = cancel
	p.direct = opts.Direct
	p.material = material
	p.daemons = n
	sticky := p.sticky
	tags := p.registry.TagSet()
	p.mu.Unlock()

	// Carry state registered before this configuration over to the
	// new pool.
	if sticky != nil {
		backend.Everywhere(sticky)
	}
	if tags != "" {
		backend.SetCodecTags(tags)
	}

	log.Infof("new - pool - profile: %s, daemons: %d, direct: %v", p.name, n, opts.Direct)
	return n, nil
}

// Submit queues a task and returns its handle immediately. The
// handle resolves when a result arrives, the timeout fires, or the
// task is canceled.
func (c *Client) Submit(payload []byte, opts *SubmitOptions) (*Handle, error) {
	if opts == nil {
		opts = &SubmitOptions{}
	}

	p, err := c.getProfile(opts.Profile)
	if err != nil {
		return nil, err
	}

	backend := p.getBackend()
	if backend == nil {
		return nil, fmt.Errorf("%w: profile %q", utils.ErrNoDaemon, p.name)
	}

	extensions, err := p.registry.Encode(opts.Refs)
	if err != nil {
		return nil, err
	}

	uid, _ := uuid.NewRandom()
	id := uid.String()

	frame := &protocol.Frame{
		Kind:    protocol.FrameTask,
		Payload: payload,
		Extensions: append(extensions,
			protocol.Extension{Tag: protocol.ExtTaskID, Blob: []byte(id)}),
	}

	handle := newHandle(id, p.name)

	task := &dispatch.Task{
		ID:          id,
		Frame:       frame,
		Profile:     p.name,
		SubmittedAt: time.Now(),
		OnComplete: func(result *protocol.Result) {
			handle.resolve(result)
			p.removePending(id)
		},
	}

	p.addPending(id, handle, task)

	if opts.Timeout > 0 {
		handle.startTimer(opts.Timeout)
	}

	backend.Submit(task)
	return handle, nil
}

// Cancel resolves the handle as canceled. A queued task is removed
// from the queue; an in-flight task gets a cancel control frame that
// interrupts its evaluation on the daemon, cooperatively. The handle
// does not wait for the daemon, and its eventual result is dropped.
// Idempotent.
func (c *Client) Cancel(handle *Handle) {
	p, err := c.getProfile(handle.profile)
	if err != nil {
		handle.resolve(&protocol.Result{Kind: protocol.ResultCanceled})
		return
	}

	pending := p.getPending(handle.id)
	if pending != nil {
		pending.task.Cancel()
		if backend := p.getBackend(); backend != nil {
			backend.Cancel(handle.id)
		}
	}

	if handle.resolve(&protocol.Result{Kind: protocol.ResultCanceled}) {
		p.removePending(handle.id)
		log.Debugf("int - task - id: %s", handle.id)
	}
}

// Everywhere delivers a sticky setup payload to all current daemons
// of the profile and to every daemon that connects later.
func (c *Client) Everywhere(payload []byte, profileName string) error {
	p := c.ensureProfile(profileName)

	p.mu.Lock()
	p.sticky = payload
	backend := p.backend
	p.mu.Unlock()

	if backend != nil {
		backend.Everywhere(payload)
	}
	return nil
}

// RegisterCodec installs a serializer pair for an object class on
// the profile. The class set is announced to daemons with the next
// submitted task; matching daemon-side code must already be in place
// through the sticky setup payload.
func (c *Client) RegisterCodec(tag string, cd codec.Codec, profileName string) error {
	p := c.ensureProfile(profileName)

	if err := p.registry.Register(tag, cd); err != nil {
		return err
	}

	backend := p.getBackend()
	if backend == nil {
		log.Warnf("codec %q registered with no daemons configured on profile %q", tag, p.name)
		return nil
	}

	backend.SetCodecTags(p.registry.TagSet())
	return nil
}

// Registry returns the profile's codec registry, for decoding
// extension tables on results.
func (c *Client) Registry(profileName string) (*codec.Registry, error) {
	p, err := c.getProfile(profileName)
	if err != nil {
		return nil, err
	}
	return p.registry, nil
}

// Status of one profile: connection count and the daemon matrix.
type ProfileStatus struct {
	Profile     string                  `json:"profile"`
	Connections int                     `json:"connections"`
	Daemons     []dispatch.DaemonRecord `json:"daemons,omitempty"`
	URLs        []string                `json:"urls"`
	Pending     int                     `json:"pending"`
}

// Status reports the connections and daemon matrix of a profile.
func (c *Client) Status(profileName string) (*ProfileStatus, error) {
	p, err := c.getProfile(profileName)
	if err != nil {
		return nil, err
	}

	status := &ProfileStatus{
		Profile: p.name,
		Pending: p.numPending(),
	}

	if backend := p.getBackend(); backend != nil {
		bs := backend.Status()
		status.Connections = bs.Connections
		status.Daemons = bs.Daemons
		status.URLs = bs.URLs
	}

	return status, nil
}

// Profiles returns the names of all configured profiles.
func (c *Client) Profiles() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.profiles))
	for name := range c.profiles {
		names = append(names, name)
	}
	return names
}

// Events returns a consumer of daemon membership changes on a
// profile.
func (c *Client) Events(profileName string) (*utils.BroadcastConsumer[dispatch.DaemonEvent], error) {
	p, err := c.getProfile(profileName)
	if err != nil {
		return nil, err
	}

	backend := p.getBackend()
	if backend == nil {
		return nil, utils.ErrNoDaemon
	}
	return backend.Events(), nil
}

// ScopedDaemons runs body against a short-lived pool on a private
// profile. The pool is torn down on every exit path, body errors
// included, and propagated after teardown.
func (c *Client) ScopedDaemons(n int, opts *DaemonOptions, body func(profileName string) error) error {
	if opts == nil {
		opts = &DaemonOptions{}
	}

	uid, _ := uuid.NewRandom()
	scoped := *opts
	scoped.Profile = "scoped-" + uid.String()[:8]

	if _, err := c.ConfigureDaemons(n, &scoped); err != nil {
		return err
	}

	defer func() {
		c.ConfigureDaemons(0, &scoped)
		c.dropProfile(scoped.Profile)
	}()

	return body(scoped.Profile)
}

// LaunchCommands returns, for each daemon slot of the profile, the
// shell command that starts a daemon dialing the slot's URL with the
// profile's certificate embedded.
func (c *Client) LaunchCommands(profileName string) ([]string, error) {
	p, err := c.getProfile(profileName)
	if err != nil {
		return nil, err
	}

	p.mu.RLock()
	backend := p.backend
	material := p.material
	daemons := p.daemons
	direct := p.direct
	p.mu.RUnlock()

	if backend == nil {
		return nil, utils.ErrNoDaemon
	}

	urls := backend.Status().URLs
	if direct && len(urls) == 1 {
		// Every daemon of a direct pool dials the same URL.
		shared := urls[0]
		urls = make([]string, daemons)
		for i := range urls {
			urls[i] = shared
		}
	}

	return launch.Commands(urls, material), nil
}

// Saisei regenerates the listen URL of a dispatcher slot,
// invalidating any stale connection attempts against the old one.
func (c *Client) Saisei(index int, profileName string) (string, error) {
	p, err := c.getProfile(profileName)
	if err != nil {
		return "", err
	}

	dispatcher, ok := p.getBackend().(*dispatch.Dispatcher)
	if !ok {
		return "", fmt.Errorf("%w: profile %q has no dispatcher", utils.ErrBadRequest, p.name)
	}

	return dispatcher.Saisei(index)
}

// Close tears down every profile.
func (c *Client) Close() {
	c.mu.Lock()
	profiles := make([]*profile, 0, len(c.profiles))
	for _, p := range c.profiles {
		profiles = append(profiles, p)
	}
	c.profiles = map[string]*profile{}
	c.mu.Unlock()

	for _, p := range profiles {
		p.teardown()
	}
}

func (c *Client) dropProfile(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.profiles, name)
}

// slotURLs derives one listen URL per daemon slot from the base URL.
// Explicit ports are assigned sequentially; port 0 requests a fresh
// ephemeral port for every slot. Unix domain sockets get an indexed
// suffix.
func slotURLs(base *transport.URL, n int) ([]string, error) {
	urls := make([]string, n)

	for i := 0; i < n; i++ {
		uri := *base

		if base.Unix() {
			if n > 1 {
				uri.Path = fmt.Sprintf("%s-%d", base.Path, i)
			}
		} else if base.Port != 0 {
			port := base.Port + i
			if port > 65535 {
				return nil, fmt.Errorf("%w: port %d out of range", utils.ErrBadURL, port)
			}
			uri.Port = port
		}

		urls[i] = uri.String()
	}

	return urls, nil
}
