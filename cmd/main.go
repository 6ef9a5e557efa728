// MapKVM - drive an emulated PC from player movement
// Position samples from game clients become keyboard and mouse input for a
// QEMU guest; operators control the session over HTTP, WebSocket or the tray.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"mapkvm/internal/api"
	"mapkvm/internal/autostart"
	"mapkvm/internal/command"
	"mapkvm/internal/config"
	"mapkvm/internal/device"
	"mapkvm/internal/driver"
	"mapkvm/internal/input"
	"mapkvm/internal/machine/qemu"
	"mapkvm/internal/network"
	"mapkvm/internal/osutils"
	"mapkvm/internal/session"
	"mapkvm/internal/tray"
)

var (
	version   = "0.1.0"
	showVer   = flag.Bool("version", false, "Show version")
	listImgs  = flag.Bool("list", false, "List bootable images")
	scanLAN   = flag.Bool("scan", false, "Scan the LAN for mapkvm hosts")
	runCmd    = flag.String("cmd", "", "Run one command on a running host, e.g. -cmd \"start win98\"")
	hostAddr  = flag.String("host", "", "Host address for -cmd (default 127.0.0.1:<api_port>)")
	actorName = flag.String("actor", "", "Actor name for -cmd")
	headless  = flag.Bool("headless", false, "Run without the tray icon")
	bootImage = flag.String("image", "", "Image to boot when the service starts")
	autoStart = flag.String("autostart", "", "Start at login: on or off")
)

func main() {
	flag.Parse()

	if *showVer {
		fmt.Printf("mapkvm version %s\n", version)
		return
	}

	if *autoStart != "" {
		setAutostart(*autoStart)
		return
	}

	// Initialize config
	cfgMgr, err := config.NewManager()
	if err != nil {
		log.Fatalf("Failed to initialize config: %v", err)
	}
	if err := cfgMgr.Load(); err != nil {
		log.Printf("Warning: failed to load config: %v", err)
	}

	switch {
	case *listImgs:
		listImages(cfgMgr)
	case *scanLAN:
		scanHosts(cfgMgr)
	case *runCmd != "":
		runRemoteCommand(cfgMgr, *runCmd)
	default:
		runService(cfgMgr)
	}
}

func setAutostart(mode string) {
	switch strings.ToLower(mode) {
	case "on":
		if err := autostart.Enable("-headless"); err != nil {
			log.Fatalf("Failed to enable autostart: %v", err)
		}
		fmt.Println("Autostart enabled")
	case "off":
		if err := autostart.Disable(); err != nil {
			log.Fatalf("Failed to disable autostart: %v", err)
		}
		fmt.Println("Autostart disabled")
	default:
		log.Fatalf("Unknown -autostart mode %q (want on or off)", mode)
	}
}

func listImages(cfgMgr *config.Manager) {
	catalog := command.NewCatalog(cfgMgr.Get().General.ImagesDir)
	images, err := catalog.List()
	if err != nil {
		log.Fatalf("Failed to list images: %v", err)
	}

	fmt.Printf("Images in %s:\n", catalog.Dir())
	fmt.Println("-------------------")
	if len(images) == 0 {
		fmt.Println("(none)")
	}
	for _, img := range images {
		fmt.Printf("%-20s %-7s %5dMB RAM  %dMB\n", img.Name, img.Medium, img.RAM, img.SizeMB)
	}
}

func scanHosts(cfgMgr *config.Manager) {
	port := cfgMgr.Get().General.APIPort
	hosts, err := network.ScanLAN(port)
	if err != nil {
		log.Fatalf("Scan failed: %v", err)
	}
	fmt.Printf("Found %d mapkvm host(s) on port %d\n", len(hosts), port)
	for _, h := range hosts {
		state := "idle"
		if h.Running {
			state = "running " + h.Image
		}
		fmt.Printf("  %s:%d  %s\n", h.IP, h.Port, state)
	}
}

func runRemoteCommand(cfgMgr *config.Manager, line string) {
	cfg := cfgMgr.Get()
	addr := *hostAddr
	if addr == "" {
		addr = fmt.Sprintf("127.0.0.1:%d", cfg.General.APIPort)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client := network.NewCommandClient(addr, cfg.General.APIToken, *actorName)
	if err := client.Connect(ctx); err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer client.Close()

	res, err := client.Exec(ctx, line, nil)
	if err != nil {
		log.Fatalf("Command failed: %v", err)
	}
	for _, r := range res.Replies {
		fmt.Println(r.Text)
	}
	if res.Error != "" {
		client.Close()
		os.Exit(1)
	}
}

func runService(cfgMgr *config.Manager) {
	log.Printf("MapKVM Service %s starting...", version)
	cfg := cfgMgr.Get()

	facade := device.New(cfg.Device.Options())
	factory := qemu.NewFactory(qemu.Options{
		Binary:    cfg.Machine.QEMUBinary,
		ExtraArgs: cfg.Machine.ExtraArgs,
		FramePoll: cfg.Machine.FramePoll(),
	})
	sessions := session.NewManager(factory, facade)
	drv := driver.New(input.NewDecoder(cfg.Input.Thresholds()), facade, sessions, cfg.Input.QueueCapacity)
	catalog := command.NewCatalog(cfg.General.ImagesDir)
	dispatcher := command.NewDispatcher(sessions, drv, catalog, command.Options{
		CLIEnterDelay: cfg.Device.CLIEnterDelay(),
	})

	var correctors driver.Correctors

	// UDP position samples from game clients
	var samples *network.SampleServer
	if cfg.General.SamplePort > 0 {
		samples = network.NewSampleServer(cfg.General.SamplePort, drv)
		if err := samples.Start(); err != nil {
			log.Printf("Warning: sample server failed: %v", err)
			samples = nil
		} else {
			correctors = append(correctors, samples)
		}
	}

	// HTTP / WebSocket operator API
	var apiServer *api.Server
	if cfg.General.APIEnabled {
		if runtime.GOOS == "windows" {
			go func() {
				if err := osutils.EnsureFirewallRule(
					osutils.Port{Number: cfg.General.APIPort, Protocol: "TCP"},
					osutils.Port{Number: cfg.General.SamplePort, Protocol: "UDP"},
				); err != nil {
					log.Printf("Firewall warning: %v", err)
				}
			}()
		}

		apiServer = api.NewServer(cfgMgr, dispatcher, sessions, drv)
		correctors = append(correctors, apiServer.Hub())
		go func() {
			if err := apiServer.Start(cfg.General.APIPort); err != nil {
				log.Printf("API server error: %v", err)
			}
		}()
	}
	drv.SetCorrector(correctors)

	sessions.SetOnExit(func(info session.Info, err error) {
		if err != nil {
			log.Printf("Service: Machine %s stopped with error: %v", info.ID, err)
		} else {
			log.Printf("Service: Machine %s stopped", info.ID)
		}
	})

	cfgMgr.RegisterChangeCallback(func() {
		log.Println("Service: Configuration changed; ports, thresholds and device timings apply on restart")
	})

	ctx, cancel := context.WithCancel(context.Background())
	go drv.Run(ctx, cfg.Input.TickRate)

	if *bootImage != "" {
		res := dispatcher.Execute(command.Request{Line: "start " + *bootImage})
		for _, r := range res.Replies {
			log.Printf("Service: %s", r.Text)
		}
	}

	shutdown := func() {
		log.Println("Service: Shutting down...")
		cancel()
		sessions.Stop()
		if samples != nil {
			samples.Stop()
		}
		if apiServer != nil {
			sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
			apiServer.Shutdown(sctx)
			scancel()
		}
	}

	var t *tray.Tray
	var statusID int
	if cfg.General.ShowTray && !*headless {
		t = tray.New("MapKVM - " + statusLine(sessions, facade))
		statusID = t.AddLabel(statusLine(sessions, facade))
		t.AddSeparator()
		t.AddMenuItem("Stop machine", func() {
			if sessions.Stop() {
				log.Println("Tray: Machine stopped")
			}
		})
		t.AddMenuItem("Release modifiers", func() {
			facade.ReleaseAllModifiers()
			log.Println("Tray: Modifiers released")
		})
		t.AddMenuItem("Send Ctrl+Alt+Del", func() {
			if sessions.IsRunning() {
				facade.CtrlAltDelete()
			}
		})
		t.AddSeparator()
		t.AddMenuItem("Quit", func() {
			t.Stop()
		})
	}

	go watchStatus(ctx, sessions, facade, apiServer, t, statusID)

	// Handle signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	if t != nil {
		go func() {
			<-sigCh
			t.Stop()
		}()
		// systray must own the main thread on macOS
		t.Run()
	} else {
		log.Println("Service: Running headless. Press Ctrl+C to exit.")
		<-sigCh
	}
	shutdown()
}

// statusLine summarizes the session for the tray.
func statusLine(sessions *session.Manager, facade *device.Facade) string {
	info, ok := sessions.Current()
	if !ok {
		return "Idle"
	}
	line := fmt.Sprintf("Running %s (%dMB)", baseName(info.Image), info.RAM)
	if mods := facade.Snapshot().ModifierNames(); len(mods) > 0 {
		line += " [" + strings.Join(mods, "+") + "]"
	}
	return line
}

func baseName(path string) string {
	if i := strings.LastIndexAny(path, `/\`); i >= 0 {
		return path[i+1:]
	}
	return path
}

// watchStatus pushes status changes to WebSocket clients and the tray.
func watchStatus(ctx context.Context, sessions *session.Manager, facade *device.Facade, apiServer *api.Server, t *tray.Tray, statusID int) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	last := ""
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		line := statusLine(sessions, facade)
		if line == last {
			continue
		}
		last = line
		if t != nil {
			t.SetItemTitle(statusID, line)
		}
		if apiServer != nil {
			apiServer.BroadcastStatus()
		}
	}
}
