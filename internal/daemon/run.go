// Package daemon wires the five SOLUSync-X components (clock discipline,
// sync probe driver, future buffer/scheduler, control-plane protocol,
// cluster/election) into one running process per §1's process shape. It is
// the generalization of the teacher's internal/app/run.go staged
// construction: the same step-by-step host/manager/listener buildup, driving
// this spec's components instead of the teacher's site/chat/group stack.
package daemon

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"golang.org/x/crypto/ed25519"

	"github.com/yukihamada/solusync-x/internal/clockdiscipline"
	"github.com/yukihamada/solusync-x/internal/cluster"
	"github.com/yukihamada/solusync-x/internal/config"
	"github.com/yukihamada/solusync-x/internal/controlplane"
	"github.com/yukihamada/solusync-x/internal/mediabuffer"
	"github.com/yukihamada/solusync-x/internal/protocol"
	"github.com/yukihamada/solusync-x/internal/syncdriver"
	"github.com/yukihamada/solusync-x/internal/telemetry"
)

// Options configures a single Run invocation.
type Options struct {
	Cfg config.Config

	// DataDir holds the telemetry database (client role only). Defaults to
	// "data" if empty.
	DataDir string
}

// Run starts the process in the role selected by opts.Cfg.Node.Role and
// blocks until ctx is cancelled.
func Run(ctx context.Context, opts Options) error {
	if opts.DataDir == "" {
		opts.DataDir = "data"
	}
	switch opts.Cfg.Node.Role {
	case config.RoleMaster, config.RoleReplica:
		return runServerNode(ctx, opts)
	case config.RoleClient:
		return runClientNode(ctx, opts)
	default:
		return fmt.Errorf("daemon: unknown role %q", opts.Cfg.Node.Role)
	}
}

func weightsFromConfig(w [4]float64) cluster.Weights {
	return cluster.Weights{CPU: w[0], Mem: w[1], NetQuality: w[2], Battery: w[3]}
}

// runServerNode drives the master and replica roles, which are symmetric at
// the wiring level: both run the full election state machine starting in
// FOLLOWER, both gossip node_status/master_election over the same libp2p
// pubsub topic, and both accept client-facing connections. Which one is
// currently LEADER is an outcome of the election, not a wiring difference —
// Node.Run promotes a follower to leader itself once it wins (§4.5).
func runServerNode(ctx context.Context, opts Options) error {
	cfg := opts.Cfg
	step, total := 1, 7
	log.Printf("DAEMON [%d/%d]: loading identity", step, total)

	priv, err := config.LoadOrCreateIdentity(cfg.Identity.KeyFile)
	if err != nil {
		return fmt.Errorf("daemon: load identity: %w", err)
	}
	pub := priv.Public().(ed25519.PublicKey)
	nodeID := config.NodeID(pub)
	log.Printf("DAEMON: node_id=%s role=%s", nodeID, cfg.Node.Role)

	step++
	log.Printf("DAEMON [%d/%d]: starting libp2p host on port %d", step, total, cfg.Node.P2PListenPort)
	p2pPriv, err := libp2pcrypto.UnmarshalEd25519PrivateKey(priv)
	if err != nil {
		return fmt.Errorf("daemon: convert identity to libp2p key: %w", err)
	}
	h, err := libp2p.New(
		libp2p.Identity(p2pPriv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", cfg.Node.P2PListenPort)),
	)
	if err != nil {
		return fmt.Errorf("daemon: start libp2p host: %w", err)
	}
	defer h.Close()
	dialSeeds(ctx, h, cfg.Node.Seeds)

	step++
	log.Printf("DAEMON [%d/%d]: joining cluster gossip topic", step, total)
	weights := weightsFromConfig(cfg.Cluster.ScoreWeights)
	view := cluster.NewView(weights)
	selfStatus := NewSelfStatus()

	broadcaster, sub, err := cluster.NewPubsubBroadcaster(ctx, h, priv)
	if err != nil {
		return fmt.Errorf("daemon: join cluster gossip: %w", err)
	}
	keys, err := buildKeyStore(cfg.Cluster.PeerKeys, nodeID, pub)
	if err != nil {
		return err
	}

	step++
	log.Printf("DAEMON [%d/%d]: starting election state machine", step, total)
	node := cluster.NewNode(cluster.Config{
		NodeID:          nodeID,
		ElectionTimeout: time.Duration(cfg.Cluster.ElectionTimeoutMs) * time.Millisecond,
		GatherWindow:    time.Duration(cfg.Cluster.GatherWindowMs) * time.Millisecond,
		StatusInterval:  time.Duration(cfg.Cluster.StatusBroadcastMs) * time.Millisecond,
		Weights:         weights,
	}, broadcaster, selfStatus, view, time.Now)

	go cluster.ReceiveLoop(ctx, sub, h.ID().String(), keys, func(fromNodeID string, env protocol.Envelope) {
		switch env.Type {
		case protocol.TypeNodeStatus:
			if env.NodeStatus != nil {
				node.HandleNodeStatus(fromNodeID, *env.NodeStatus)
			}
		case protocol.TypeMasterElection:
			if env.MasterElection != nil {
				node.HandleMasterElection(fromNodeID, *env.MasterElection)
			}
		}
	})
	go node.Run(ctx)

	step++
	log.Printf("DAEMON [%d/%d]: starting control-plane listeners", step, total)
	broker := NewBroker(nodeID)
	heartbeats := controlplane.NewHeartbeatMonitor()
	heartbeatInterval := time.Duration(cfg.Cluster.HeartbeatIntervalMs) * time.Millisecond
	probeLimiter := controlplane.NewRateLimiter(cfg.Cluster.MaxProbesPerSecond, time.Second)
	controlLimiter := controlplane.NewRateLimiter(cfg.Cluster.MaxControlPerSecond, time.Second)
	// New-session flooding from one address is bucketed over the same
	// one-second window as the probe/control limits (§4.4) — a legitimate
	// client reconnects far less often than that, so this only catches a
	// burst of connection attempts, not ordinary churn.
	sessionLimiter := controlplane.NewRateLimiter(cfg.Cluster.MaxSessionsPerSource, time.Second)
	hello := newServerHello(nodeID, node, view)

	wsServer := &controlplane.WSServer{
		NodeID:            nodeID,
		LocalNow:          protocol.NowSeconds,
		Actions:           broker,
		Hello:             hello,
		ProbeLimiter:      probeLimiter,
		ControlLimiter:    controlLimiter,
		SessionLimiter:    sessionLimiter,
		Heartbeats:        heartbeats,
		HeartbeatInterval: heartbeatInterval,
		OnOpen: func(sessionID string, sender syncdriver.Sender) {
			broker.Register(sessionID, sender)
			selfStatus.SetConnectedClients(broker.Count())
		},
		OnClose: func(sessionID string) {
			broker.Unregister(sessionID)
			selfStatus.SetConnectedClients(broker.Count())
		},
	}
	mux := http.NewServeMux()
	mux.Handle("/session", wsServer)
	httpServer := &http.Server{Addr: cfg.Node.ListenAddr, Handler: mux}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("DAEMON: client listener failed: %v", err)
		}
	}()

	p2pServer := &controlplane.P2PServer{
		Host:              h,
		NodeID:            nodeID,
		LocalNow:          protocol.NowSeconds,
		Actions:           broker,
		Cluster:           node,
		Hello:             hello,
		ProbeLimiter:      probeLimiter,
		ControlLimiter:    controlLimiter,
		SessionLimiter:    sessionLimiter,
		Heartbeats:        heartbeats,
		HeartbeatInterval: heartbeatInterval,
	}
	p2pServer.Register()

	step++
	log.Printf("DAEMON [%d/%d]: starting cluster info forwarder", step, total)
	forwarder := NewClusterForwarder(broker, view, node)
	go forwarder.Run(ctx, time.Duration(cfg.Cluster.StatusBroadcastMs)*time.Millisecond)

	step++
	log.Printf("DAEMON [%d/%d]: running (%s)", step, total, cfg.Node.ListenAddr)

	<-ctx.Done()
	log.Printf("DAEMON: shutting down")
	_ = httpServer.Close()
	return nil
}

// dialSeeds attempts to connect to every configured seed multiaddr once at
// startup. A seed that can't be parsed or reached is logged and skipped —
// gossip membership fills in over time as other nodes' addresses arrive
// through the pubsub mesh.
func dialSeeds(ctx context.Context, h host.Host, seeds []string) {
	for _, s := range seeds {
		addr, err := ma.NewMultiaddr(s)
		if err != nil {
			log.Printf("DAEMON: invalid seed %q: %v", s, err)
			continue
		}
		info, err := peer.AddrInfoFromP2pAddr(addr)
		if err != nil {
			log.Printf("DAEMON: invalid seed %q: %v", s, err)
			continue
		}
		dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = h.Connect(dialCtx, *info)
		cancel()
		if err != nil {
			log.Printf("DAEMON: dial seed %s failed: %v", info.ID, err)
		}
	}
}

// runClientNode drives the playback-endpoint role: it dials a master,
// disciplines its clock against it, drives a mediabuffer.Scheduler from
// forwarded media_control commands, and falls back to §4.5's rebind
// procedure if the master stops answering.
func runClientNode(ctx context.Context, opts Options) error {
	cfg := opts.Cfg
	step, total := 1, 5
	log.Printf("DAEMON [%d/%d]: loading identity", step, total)

	priv, err := config.LoadOrCreateIdentity(cfg.Identity.KeyFile)
	if err != nil {
		return fmt.Errorf("daemon: load identity: %w", err)
	}
	nodeID := config.NodeID(priv.Public().(ed25519.PublicKey))
	log.Printf("DAEMON: node_id=%s role=client", nodeID)

	step++
	log.Printf("DAEMON [%d/%d]: opening telemetry store", step, total)
	store, err := telemetry.OpenStore(opts.DataDir)
	if err != nil {
		log.Printf("DAEMON: telemetry store unavailable, continuing without persistence: %v", err)
		store = nil
	}
	telemetryMgr := telemetry.NewManager(0, store, time.Now)
	defer telemetryMgr.Close()

	step++
	log.Printf("DAEMON [%d/%d]: starting playback pipeline", step, total)
	clocks := clockdiscipline.NewManager()
	renderer := NewLogRenderer()

	var masterState masterHolder
	scheduler := mediabuffer.NewScheduler(renderer, telemetryMgr, func() float64 {
		id := masterState.Get()
		if id == "" {
			return protocol.NowSeconds()
		}
		return clocks.Clock(id).Now()
	}).WithLimits(cfg.Buffer.MaxFutureSeconds, cfg.Buffer.MaxQueuePerTrack).
		WithTuning(mediabuffer.Tuning{
			AdjustmentRate:     cfg.Buffer.AdjustmentRatePerSecond,
			UnderrunJumpFactor: cfg.Buffer.UnderrunJumpFactor,
			DecayAfterSeconds:  cfg.Buffer.DecayAfterSeconds,
		})

	localActions := NewLocalActions(scheduler)
	weights := weightsFromConfig(cfg.Cluster.ScoreWeights)
	view := cluster.NewView(weights)

	ingests, err := startRTPTracks(cfg.Node.RTPTracks, scheduler)
	if err != nil {
		return fmt.Errorf("daemon: start rtp tracks: %w", err)
	}
	defer func() {
		for _, ing := range ingests {
			_ = ing.Close()
		}
	}()

	step++
	log.Printf("DAEMON [%d/%d]: connecting to master %s", step, total, cfg.Node.MasterAddr)
	probeManager := syncdriver.NewManager(clocks, syncdriver.DefaultProbeInterval, protocol.NowSeconds)
	rebinder := cluster.NewRebinder(view, rebindProbe(nodeID, cfg.Node.ReplicaAddrs))
	clusterSink := newClientClusterSink(view, rebinder, time.Now)

	var seq uint64
	current, err := connectToMaster(ctx, cfg.Node.MasterAddr, nodeID, &seq, &masterState, probeManager, localActions, clusterSink)
	if err != nil {
		return fmt.Errorf("daemon: initial connect to master failed: %w", err)
	}

	step++
	log.Printf("DAEMON [%d/%d]: running", step, total)
	go supervisorLoop(ctx, cfg, nodeID, &seq, &masterState, probeManager, localActions, clusterSink, rebinder, current)
	go qualitySampleLoop(ctx, &masterState, probeManager, scheduler, time.Duration(cfg.Buffer.QualitySampleMs)*time.Millisecond)

	<-ctx.Done()
	log.Printf("DAEMON: shutting down")
	return nil
}

// qualitySampleLoop periodically classifies the link to the current master
// by RTT/loss (§4.3's quality table) and feeds every active track's
// DynamicFutureBuffer a fresh sample, so the adaptive depth responds to
// real network conditions rather than sitting fixed at its initial target.
func qualitySampleLoop(ctx context.Context, masterState *masterHolder, probes *syncdriver.Manager, scheduler *mediabuffer.Scheduler, interval time.Duration) {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		sampleQualityOnce(masterState, probes, scheduler)
	}
}

// sampleQualityOnce is qualitySampleLoop's body, split out so a test can
// drive a single sample without waiting on a ticker.
func sampleQualityOnce(masterState *masterHolder, probes *syncdriver.Manager, scheduler *mediabuffer.Scheduler) {
	id := masterState.Get()
	if id == "" {
		return
	}
	sess, ok := probes.Session(id)
	if !ok {
		return
	}
	quality := mediabuffer.ClassifyQuality(sess.SmoothedRTT(), sess.LossRatio())
	now := protocol.NowSeconds()
	for _, trackID := range scheduler.Tracks() {
		scheduler.Buffer(trackID).Sample(quality, now)
	}
}

// masterHolder tracks the node_id this client currently disciplines its
// clock against, read by the Scheduler's now func on every admission and
// release-loop tick and updated whenever a (re)connect completes.
type masterHolder struct {
	mu    sync.Mutex
	value string
}

func (h *masterHolder) Get() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.value
}

func (h *masterHolder) Set(v string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.value = v
}

// clientConn bundles a live control-plane connection to a master with the
// syncdriver.Session probing it, so the supervisor loop can detect failure
// and tear both down together. closed is closed by readLoop the moment the
// underlying websocket read fails or the session is told to close.
type clientConn struct {
	conn    *wsConn
	session *controlplane.Session
	probes  *syncdriver.Session
	closed  chan struct{}
}

func connectToMaster(ctx context.Context, addr, nodeID string, seq *uint64, masterState *masterHolder, probeManager *syncdriver.Manager, actions *LocalActions, clusterSink *clientClusterSink) (*clientConn, error) {
	wc, hello, err := dialControl(ctx, addr, nodeID, seq)
	if err != nil {
		return nil, err
	}

	masterID := ""
	if hello.ClusterInfo != nil {
		masterID = hello.ClusterInfo.MasterID
	}
	if masterID == "" {
		masterID = addr
	}
	masterState.Set(masterID)

	probes := probeManager.Start(ctx, masterID, wc.sender)
	sess := controlplane.NewSession("master", nodeID, controlplane.PerspectiveEndpoint, wc.sender, protocol.NowSeconds, probes, actions, clusterSink, &clientHello{nodeID: nodeID}, nil, nil)

	cc := &clientConn{conn: wc, session: sess, probes: probes, closed: make(chan struct{})}
	go readLoop(ctx, cc)
	return cc, nil
}

func readLoop(ctx context.Context, cc *clientConn) {
	defer close(cc.closed)
	defer cc.session.Close()
	for {
		_, data, err := cc.conn.conn.ReadMessage()
		if err != nil {
			log.Printf("DAEMON: connection to master closed: %v", err)
			return
		}
		env, err := protocol.Decode(data)
		if err != nil {
			log.Printf("DAEMON: decode error from master: %v", err)
			continue
		}
		if err := cc.session.Dispatch(ctx, env, protocol.NowSeconds()); err != nil {
			if err == controlplane.ErrCloseSession {
				return
			}
			log.Printf("DAEMON: dispatch error from master: %v", err)
		}
	}
}

// supervisorLoop watches the current master connection and, on failure,
// drives §4.5's client re-bind: buffer nothing new (LocalActions already
// applied whatever arrived before the drop), probe known replicas via
// rebinder, and reconnect to whichever answers as master at an acceptable
// term.
func supervisorLoop(ctx context.Context, cfg config.Config, nodeID string, seq *uint64, masterState *masterHolder, probeManager *syncdriver.Manager, actions *LocalActions, clusterSink *clientClusterSink, rebinder *cluster.Rebinder, current *clientConn) {
	for {
		select {
		case <-ctx.Done():
			current.conn.conn.Close()
			return
		case <-current.closed:
		}

		select {
		case <-ctx.Done():
			return
		default:
		}

		log.Printf("DAEMON: master connection lost, starting rebind")
		winnerID, err := rebinder.Rebind(ctx)
		if err != nil {
			log.Printf("DAEMON: rebind failed: %v", err)
			time.Sleep(time.Duration(cfg.Cluster.ElectionTimeoutMs) * time.Millisecond)
			// Retry against the originally configured master; it may have
			// recovered, or won a subsequent election itself.
			winnerID = ""
		}

		addr := cfg.Node.MasterAddr
		if winnerID != "" {
			if a, ok := cfg.Node.ReplicaAddrs[winnerID]; ok {
				addr = a
			}
		}

		next, err := connectToMaster(ctx, addr, nodeID, seq, masterState, probeManager, actions, clusterSink)
		if err != nil {
			log.Printf("DAEMON: rebind reconnect to %s failed: %v", addr, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Duration(cfg.Cluster.ElectionTimeoutMs) * time.Millisecond):
			}
			continue
		}
		log.Printf("DAEMON: rebound to %s", addr)
		current = next
	}
}

