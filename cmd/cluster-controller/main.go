// Command cluster-controller is the joynr cluster controller process: it
// loads one or more `.settings` files, wires up routing, subscription,
// publication, access control, discovery, and transport components, and
// serves local and global participants until a POSIX signal tells it to
// stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/carmesh/cc/accesscontrol"
	"github.com/carmesh/cc/discovery"
	"github.com/carmesh/cc/envelope"
	"github.com/carmesh/cc/persistence"
	"github.com/carmesh/cc/publication"
	"github.com/carmesh/cc/router"
	"github.com/carmesh/cc/scheduler"
	"github.com/carmesh/cc/settings"
	"github.com/carmesh/cc/signalhandler"
	"github.com/carmesh/cc/stub"
	"github.com/carmesh/cc/subscription"
	"github.com/carmesh/cc/transport/httpchannel"
	"github.com/carmesh/cc/transport/inprocess"
	"github.com/carmesh/cc/transport/mqtt"
	"github.com/carmesh/cc/transport/websocket"
)

// Exit codes per the process's external contract: 0 clean shutdown, 1
// configuration error, >=2 unexpected runtime failure.
const (
	exitOK             = 0
	exitConfigError    = 1
	exitRuntimeFailure = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("cluster-controller", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	showVersion := fs.Bool("version", false, "print version and exit")
	fs.BoolVar(showVersion, "v", false, "print version and exit (shorthand)")
	discoveryFile := fs.String("d", "", "path to a discoveryEntries.json file to preload")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: cluster-controller [-v] [-d discoveryEntries.json] settings-file [settings-file...]\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return exitConfigError
	}

	if *showVersion {
		fmt.Printf("cluster-controller %s\n", version)
		return exitOK
	}

	settingsFiles := fs.Args()
	if len(settingsFiles) == 0 {
		fs.Usage()
		return exitConfigError
	}

	opts := settings.New()
	if err := opts.LoadFiles(settingsFiles); err != nil {
		opts.Logger.Error("failed to load settings", "err", err)
		return exitConfigError
	}

	store, err := persistence.Open(opts.PersistenceDir)
	if err != nil {
		opts.Logger.Error("failed to open persistence store", "err", err)
		return exitConfigError
	}

	c, err := newController(opts, store)
	if err != nil {
		opts.Logger.Error("failed to start controller", "err", err)
		return exitRuntimeFailure
	}

	if *discoveryFile != "" {
		if err := loadDiscoveryEntries(*discoveryFile, c.discovery); err != nil {
			opts.Logger.Error("failed to load discovery entries", "err", err)
			return exitConfigError
		}
	}

	shutdownCode := make(chan int, 1)
	signalhandler.Start(&controllerSignalHandler{c: c, exitCode: shutdownCode}, signalhandler.WithLogger(opts.Logger))

	return <-shutdownCode
}

// controller bundles every long-lived component the process wires
// together, so the signal handler and main loop share one reference.
type controller struct {
	opts *settings.Options

	store *persistence.Store

	sched     *scheduler.Scheduler
	stubs     *stub.Registry
	rt        *router.Router
	subs      *subscription.Manager
	pubs      *publication.Manager
	gate      *accesscontrol.Gate
	discovery *discovery.Client

	mqttFactory *mqtt.Factory
	wsServer    *websocket.ServerTransport
	httpServer  *http.Server
}

func newController(opts *settings.Options, store *persistence.Store) (*controller, error) {
	logger := opts.Logger

	sched := scheduler.New(scheduler.WithWorkers(opts.SchedulerWorkers))

	inprocReg := inprocess.NewRegistry()
	mqttFactory := mqtt.NewFactory(mqtt.WithLogger(logger))
	wsServer := websocket.NewServerTransport(websocket.WithServerLogger(logger))
	wsClient := websocket.NewClientTransport(websocket.WithClientLogger(logger))
	httpFactory := httpchannel.NewFactory(httpchannel.WithLogger(logger))

	stubs := stub.NewRegistry(inprocReg, mqttFactory, wsServer, wsClient, httpFactory)

	// No access control store is wired at this layer; a permissive decider
	// keeps local development and single-node deployments working, while
	// ModeAuditOnly/ModeEnforce still gate on whatever Decider a future
	// ACL integration registers in place of this one.
	decider := accesscontrol.DeciderFunc(func(creator, recipient string, envType envelope.Type) bool { return true })
	gate := accesscontrol.New(decider, accesscontrol.WithMode(opts.AccessControlMode), accesscontrol.WithLogger(logger))

	rt := router.New(stubs,
		router.WithScheduler(sched),
		router.WithLogger(logger),
		router.WithAccessControl(gate),
	)

	subs := subscription.New(subscription.WithScheduler(sched))
	pubs := publication.New(rt, publication.WithScheduler(sched), publication.WithLogger(logger))
	disco := discovery.New(rt)

	c := &controller{
		opts:        opts,
		store:       store,
		sched:       sched,
		stubs:       stubs,
		rt:          rt,
		subs:        subs,
		pubs:        pubs,
		gate:        gate,
		discovery:   disco,
		mqttFactory: mqttFactory,
		wsServer:    wsServer,
	}

	if err := c.restorePersistedState(); err != nil {
		return nil, err
	}

	if opts.WebSocketListenAddr != "" {
		c.httpServer = &http.Server{Addr: opts.WebSocketListenAddr, Handler: wsServer}
		go func() {
			if err := c.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("websocket listener stopped", "err", err)
			}
		}()
	}

	return c, nil
}

func (c *controller) restorePersistedState() error {
	if err := c.store.LoadRoutingTable(c.rt.Table()); err != nil {
		return err
	}
	if err := c.store.LoadMulticastDirectory(c.rt.MulticastDirectory()); err != nil {
		return err
	}
	if err := c.store.LoadSubscriptions(c.subs, c.redeliveryCallbackFor); err != nil {
		return err
	}
	return c.store.LoadProviderSubscriptions(c.pubs)
}

// redeliveryCallbackFor rebuilds a subscription.Callback for a persisted
// subscription, routing each publication straight back to the subscriber's
// own address the same way any other publication envelope would be
// routed. The subscriber's real proxy re-subscribes once it reconnects;
// until then this keeps already-scheduled keep-alive/periodic publications
// from being silently dropped.
func (c *controller) redeliveryCallbackFor(subscriptionID string) subscription.Callback {
	return &redeliveryCallback{rt: c.rt, subs: c.subs, subscriptionID: subscriptionID}
}

type redeliveryCallback struct {
	rt             *router.Router
	subs           *subscription.Manager
	subscriptionID string
}

func (r *redeliveryCallback) OnReceive(payload []byte) {
	st, ok := r.subs.Lookup(r.subscriptionID)
	if !ok {
		return
	}
	env, err := envelope.New(envelope.TypePublication,
		envelope.WithRecipient(st.SubscriberID),
		envelope.WithTTLAfter(time.Minute),
		envelope.WithPayload(payload),
	)
	if err != nil {
		return
	}
	r.rt.Route(context.Background(), env)
}

func (r *redeliveryCallback) OnPublicationMissed(subscriptionID string) {}

// controllerSignalHandler adapts controller to signalhandler.Handler.
type controllerSignalHandler struct {
	c        *controller
	exitCode chan int
}

func (h *controllerSignalHandler) StartExternalCommunication() {
	h.c.opts.Logger.Info("resuming external (mqtt/http) communication")
}

func (h *controllerSignalHandler) StopExternalCommunication() {
	h.c.opts.Logger.Info("suspending external (mqtt/http) communication; local clients remain served")
	h.c.mqttFactory.Close()
}

func (h *controllerSignalHandler) Shutdown() {
	h.c.opts.Logger.Info("shutting down")
	code := exitOK

	if err := h.c.store.SaveAll(h.c.rt.Table(), h.c.rt.MulticastDirectory(), h.c.subs, h.c.pubs); err != nil {
		h.c.opts.Logger.Error("failed to persist state on shutdown", "err", err)
		code = exitRuntimeFailure
	}

	if h.c.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.c.httpServer.Shutdown(ctx)
	}
	h.c.mqttFactory.Close()
	// The scheduler is shared across the router, subscription manager, and
	// publication manager; stop it directly here rather than through
	// rt.Shutdown(), which would stop it out from under the other two.
	h.c.sched.Stop()

	h.exitCode <- code
}
