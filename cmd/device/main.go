package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"semaphore/offline/internal/auth"
	"semaphore/offline/internal/clients"
	"semaphore/offline/internal/config"
	"semaphore/offline/internal/hub"
	"semaphore/offline/internal/jobs"
	"semaphore/offline/internal/logging"
	"semaphore/offline/internal/metrics"
	"semaphore/offline/internal/model"
	"semaphore/offline/internal/peer"
	"semaphore/offline/internal/pending"
	"semaphore/offline/internal/probe"
	"semaphore/offline/internal/selector"
)

const usage = `usage: device <command> [flags]

commands:
  status                      show the selected transport and queue depth
  create -course ID           open a session and print its join payload
  mark -session ID | -payload JSON [-participant ID -name NAME]
  sync                        push queued sessions to the canonical service
  run                         keep probing and syncing until interrupted`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	cfg := config.Load()

	logger, err := logging.Setup(cfg.Log)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, os.Args[1], os.Args[2:]); err != nil {
		logger.Error("command failed", zap.String("command", os.Args[1]), zap.Error(err))
		fmt.Fprintln(os.Stderr, model.UserMessage(err))
		stop()
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger, command string, args []string) error {
	fs := flag.NewFlagSet(command, flag.ContinueOnError)
	courseID := fs.String("course", "", "course id")
	minutes := fs.Int("minutes", cfg.DefaultSessionMinutes, "session duration in minutes")
	sessionID := fs.String("session", "", "session id")
	payload := fs.String("payload", "", "scanned session payload")
	participantID := fs.String("participant", "", "participant id, defaults to the device user")
	name := fs.String("name", "", "participant display name")
	if err := fs.Parse(args); err != nil {
		return model.E(model.KindInvalid, command, err)
	}

	identity, err := deviceIdentity(cfg)
	if err != nil {
		return err
	}
	dev, err := newDevice(ctx, cfg, identity, logger)
	if err != nil {
		return err
	}
	defer dev.close()

	sel := dev.selector
	sel.Initialize(ctx)

	switch command {
	case "status":
		st, err := sel.Status(ctx)
		if err != nil {
			return err
		}
		return printJSON(st)

	case "create":
		sess, err := sel.CreateSession(ctx, *courseID, *minutes)
		if err != nil && model.KindOf(err) != model.KindQueued {
			return err
		}
		encoded, encErr := sel.Payload(sess).Encode()
		if encErr != nil {
			return encErr
		}
		return printJSON(map[string]interface{}{"session": sess, "payload": encoded, "queued": err != nil})

	case "mark":
		if *payload != "" {
			p, err := sel.Join(*payload)
			if err != nil {
				return err
			}
			*sessionID = p.SessionID
		}
		participant := model.Participant{ID: *participantID, Name: *name}
		if participant.ID == "" {
			participant = model.Participant{ID: identity.UserID, Name: identity.Name}
		}
		rec, err := sel.MarkAttendance(ctx, *sessionID, participant, 0)
		if err != nil {
			if k := model.KindOf(err); k != model.KindQueued && k != model.KindUnconfirmed {
				return err
			}
			fmt.Fprintln(os.Stderr, model.UserMessage(err))
		}
		return printJSON(rec)

	case "sync":
		report, err := sel.SyncAll(ctx)
		if err != nil {
			return err
		}
		if perr := printJSON(report); perr != nil {
			return perr
		}
		return report.Err()

	case "run":
		cancel := sel.Subscribe(func(ev selector.Event) {
			logger.Info("device event", zap.String("type", string(ev.Type)), zap.String("transport", string(ev.Transport)))
		})
		defer cancel()
		done := jobs.StartDeviceSyncJob(ctx, cfg.SyncInterval, sel, logger)
		<-done
		return nil

	default:
		return model.Errorf(model.KindInvalid, "device", "unknown command %q\n%s", command, usage)
	}
}

// deviceIdentity takes the user from the device token when one is configured
// and from DEVICE_USER_ID otherwise, in which case the user is a participant.
func deviceIdentity(cfg config.Config) (selector.Identity, error) {
	if cfg.DeviceToken == "" {
		if cfg.DeviceUserID == "" {
			return selector.Identity{}, model.Errorf(model.KindInvalid, "device identity", "DEVICE_TOKEN or DEVICE_USER_ID required")
		}
		return selector.Identity{UserID: cfg.DeviceUserID, Name: cfg.DeviceUserName}, nil
	}
	claims, err := auth.ParseToken(cfg.JWTSecret, cfg.JWTIssuer, cfg.DeviceToken)
	if err != nil {
		return selector.Identity{}, model.E(model.KindInvalid, "device identity", err)
	}
	return selector.Identity{UserID: claims.UserID, Name: claims.Name, Coordinator: claims.IsCoordinator()}, nil
}

type device struct {
	selector    *selector.Selector
	queue       *pending.Store
	canonical   *clients.Canonical
	coordinator *peer.Coordinator
	ledger      *hub.Hub
}

func newDevice(ctx context.Context, cfg config.Config, identity selector.Identity, logger *zap.Logger) (*device, error) {
	queue, err := pending.Open(cfg.PendingDBPath)
	if err != nil {
		return nil, err
	}
	dev := &device{queue: queue}

	canonical, err := clients.New(ctx, clients.Options{
		BaseURL:     cfg.CanonicalURL,
		GRPCAddr:    cfg.CanonicalGRPCAddr,
		Token:       cfg.DeviceToken,
		DialTimeout: cfg.GRPCDialTimeout,
	})
	if err != nil {
		dev.close()
		return nil, err
	}
	dev.canonical = canonical

	probes := probe.NewSet(cfg.ProbeTimeout, probe.WithLogger(logger), probe.WithMetrics(metrics.New()))
	probes.Register(model.TransportCanonical, canonical.Prober())
	opts := []selector.Option{
		selector.WithCanonical(canonical),
		selector.WithLogger(logger),
		selector.WithDefaultSessionMinutes(cfg.DefaultSessionMinutes),
	}

	if cfg.HubURL != "" {
		hubClient := hub.NewClient(cfg.HubURL, nil)
		probes.Register(model.TransportLocalHub, probe.HTTPProber{URL: hubClient.BaseURL() + "/status"})
		opts = append(opts, selector.WithHub(hubClient, hubAddress(cfg.HubURL)))
	}

	switch {
	case identity.Coordinator && cfg.PeerListenAddr != "":
		// The coordinator answers peer requests from an in-process ledger.
		dev.ledger = hub.New(hub.WithLogger(logger))
		if err := restoreLedger(ctx, dev.ledger, queue, identity.UserID, time.Now()); err != nil {
			dev.close()
			return nil, err
		}
		coordinator, err := peer.StartCoordinator(
			peer.TCPNetwork{ListenAddr: cfg.PeerListenAddr, MTU: cfg.PeerMTU},
			peer.Identity{CoordinatorID: identity.UserID, CoordinatorName: identity.Name},
			dev.ledger,
			logger,
		)
		if err != nil {
			dev.close()
			return nil, err
		}
		dev.coordinator = coordinator
		probes.Register(model.TransportPeer, probe.ProberFunc(func(context.Context) error { return nil }))
		opts = append(opts, selector.WithLedger(dev.ledger))
	case !identity.Coordinator && cfg.PeerAddr != "":
		link := newPeerLink(
			peer.TCPNetwork{MTU: cfg.PeerMTU},
			peer.Handle{Address: cfg.PeerAddr},
			cfg.PeerConfirmTimeout,
			logger,
		)
		probes.Register(model.TransportPeer, link)
		opts = append(opts, selector.WithPeer(link))
	}

	dev.selector = selector.New(identity, probes, queue, opts...)
	if dev.coordinator != nil {
		dev.coordinator.OnMark(dev.selector.RecordPeerMark)
	}
	return dev, nil
}

// restoreLedger reopens the still-open peer sessions this coordinator queued
// in an earlier run, with the marks they already hold.
func restoreLedger(ctx context.Context, ledger *hub.Hub, queue *pending.Store, coordinatorID string, now time.Time) error {
	items, err := queue.List(ctx)
	if err != nil {
		return err
	}
	for _, item := range items {
		rec := item.Record
		if item.Origin != model.TransportPeer || rec.CoordinatorID != coordinatorID || !rec.Open(now) {
			continue
		}
		if _, err := ledger.CreateSession(rec.Session); err != nil {
			return err
		}
		for _, m := range rec.Attendance {
			if _, err := ledger.MarkAttendance(m); err != nil && model.KindOf(err) != model.KindDuplicate {
				return err
			}
		}
	}
	return nil
}

func (d *device) close() {
	if d.selector != nil {
		_ = d.selector.Close()
	}
	if d.coordinator != nil {
		_ = d.coordinator.Close()
	}
	if d.ledger != nil {
		d.ledger.Stop()
	}
	d.canonical.Close()
	_ = d.queue.Close()
}

// hubAddress is the host:port participants are given for the hub.
func hubAddress(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	return u.Host
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
