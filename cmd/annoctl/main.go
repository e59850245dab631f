package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/InsulaLabs/annosync/anno"
	"github.com/InsulaLabs/annosync/client"
	"github.com/InsulaLabs/annosync/codec"
	"github.com/InsulaLabs/annosync/config"
	"github.com/InsulaLabs/annosync/pkg/events"
	"github.com/InsulaLabs/annosync/pkg/models"
	"github.com/InsulaLabs/annosync/pkg/timecode"
)

var (
	logger     *slog.Logger
	configPath string
	timeout    time.Duration
	generate   bool
	quiet      bool
)

func init() {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	logger = slog.New(handler)

	flag.StringVar(&configPath, "config", "", "Path to the client configuration file. Falls back to "+config.EnvEndpoint+" and "+config.EnvAPIKey+".")
	flag.DurationVar(&timeout, "timeout", 30*time.Second, "How long to wait for each result")
	flag.BoolVar(&generate, "generate", false, "Print a starter configuration and exit")
	flag.BoolVar(&quiet, "quiet", false, "Do not print change events")
}

func loadConfig(path string) (*config.Client, error) {
	if path == "" {
		logger.Debug("No config file given, reading the environment")
		return config.FromEnv()
	}
	logger.Debug("Loading configuration", "path", path)
	return config.LoadConfig(path)
}

func main() {
	flag.Usage = printUsage
	flag.Parse()

	if generate {
		out, err := yaml.Marshal(config.GenerateConfig())
		if err != nil {
			fail(err)
		}
		fmt.Print(string(out))
		return
	}

	args := flag.Args()
	if len(args) < 1 {
		printUsage()
		os.Exit(1)
	}

	// media needs no service
	if args[0] == "media" {
		handleMedia(args[1:])
		return
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		logger.Error("Failed to load configuration", "error", err)
		fail(err)
	}
	if level, err := cfg.SlogLevel(); err == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	}

	c, err := client.NewClient(cfg.ClientConfig(logger))
	if err != nil {
		logger.Error("Failed to create client", "error", err)
		fail(err)
	}

	bus := events.New(events.Config{DispatchTimeout: cfg.DispatchTimeout, Logger: logger})
	defer bus.Close()

	var source any
	if cfg.Source != "" {
		source = cfg.Source
	}
	svc, err := anno.New(&anno.Config{
		Client:  c,
		Bus:     bus,
		Workers: cfg.Workers,
		Source:  source,
		Logger:  logger,
	})
	if err != nil {
		fail(err)
	}
	defer svc.Close()

	if !quiet && args[0] != "watch" {
		unsub, err := bus.Subscribe(events.KindChange, events.SubscriberFunc(printEvent))
		if err != nil {
			fail(err)
		}
		defer unsub()
	}

	command, rest := args[0], args[1:]
	switch command {
	case "find":
		handleFind(svc, rest)
	case "count":
		handleCount(svc, rest)
	case "get":
		handleGet(svc, rest)
	case "create":
		handleCreate(svc, rest)
	case "concept":
		handleUpdateConcept(svc, rest)
	case "delete":
		handleDelete(svc, rest)
	case "associate":
		handleAssociate(svc, rest)
	case "unassociate":
		handleUnassociate(svc, rest)
	case "image":
		handleImage(svc, rest)
	case "rmimage":
		handleDeleteImage(svc, rest)
	case "byimage":
		handleByImage(svc, rest)
	case "watch":
		handleWatch(svc, rest)
	default:
		fmt.Fprintf(os.Stderr, "%s Unknown command '%s'\n", color.RedString("Error:"), color.CyanString(command))
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: annoctl [flags] <command> [args...]\n")
	fmt.Fprintf(os.Stderr, "\n%s\n", color.CyanString("Flags:"))
	flag.PrintDefaults()

	fmt.Fprintf(os.Stderr, "\n%s\n", color.YellowString("Annotations:"))
	fmt.Fprintf(os.Stderr, "  %s %s %s\n", color.GreenString("find"), color.CyanString("<video-uuid>"), color.CyanString("[limit] [offset]"))
	fmt.Fprintf(os.Stderr, "  %s %s\n", color.GreenString("count"), color.CyanString("<video-uuid>"))
	fmt.Fprintf(os.Stderr, "  %s %s\n", color.GreenString("get"), color.CyanString("<observation-uuid>"))
	fmt.Fprintf(os.Stderr, "  %s %s %s %s %s\n", color.GreenString("create"), color.CyanString("<video-uuid>"), color.CyanString("<concept>"), color.CyanString("<observer>"), color.CyanString("[timecode] [link_name|to_concept|link_value ...]"))
	fmt.Fprintf(os.Stderr, "  %s %s %s\n", color.GreenString("concept"), color.CyanString("<observation-uuid>"), color.CyanString("<concept>"))
	fmt.Fprintf(os.Stderr, "  %s %s\n", color.GreenString("delete"), color.CyanString("<observation-uuid>"))

	fmt.Fprintf(os.Stderr, "\n%s\n", color.YellowString("Associations:"))
	fmt.Fprintf(os.Stderr, "  %s %s %s\n", color.GreenString("associate"), color.CyanString("<observation-uuid>"), color.CyanString("<link_name|to_concept|link_value>"))
	fmt.Fprintf(os.Stderr, "  %s %s\n", color.GreenString("unassociate"), color.CyanString("<association-uuid>"))

	fmt.Fprintf(os.Stderr, "\n%s\n", color.YellowString("Images:"))
	fmt.Fprintf(os.Stderr, "  %s %s %s %s\n", color.GreenString("image"), color.CyanString("<video-uuid>"), color.CyanString("<url>"), color.CyanString("[timecode]"))
	fmt.Fprintf(os.Stderr, "  %s %s\n", color.GreenString("rmimage"), color.CyanString("<image-reference-uuid>"))
	fmt.Fprintf(os.Stderr, "  %s %s\n", color.GreenString("byimage"), color.CyanString("<image-reference-uuid>"))

	fmt.Fprintf(os.Stderr, "\n%s\n", color.YellowString("Other:"))
	fmt.Fprintf(os.Stderr, "  %s %s %s\n", color.GreenString("media"), color.CyanString("<camera-id>"), color.CyanString("<sequence-number>"))
	fmt.Fprintf(os.Stderr, "  %s %s\n", color.GreenString("watch"), color.CyanString("<video-uuid>"))
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "%s %s\n", color.RedString("Error:"), err)
	os.Exit(1)
}

func expectArgs(args []string, min int, usage string) {
	if len(args) < min {
		fmt.Fprintf(os.Stderr, "%s Usage: %s\n", color.RedString("Error:"), usage)
		os.Exit(1)
	}
}

func parseID(kind, s string) uuid.UUID {
	id, err := uuid.Parse(s)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s Invalid %s '%s': %v\n", color.RedString("Error:"), kind, color.CyanString(s), err)
		os.Exit(1)
	}
	return id
}

// parseAssociation reads the link_name|to_concept|link_value shorthand.
func parseAssociation(s string) models.Association {
	parts := strings.SplitN(s, "|", 3)
	for len(parts) < 3 {
		parts = append(parts, "")
	}
	return models.NewAssociation(parts[0], parts[1], parts[2]).Normalized()
}

func printAnnotation(a models.Annotation) {
	fmt.Printf("%s: %s\n", color.YellowString("observation"), color.CyanString(a.ObservationUUID.String()))
	fmt.Printf("  %s: %s\n", color.YellowString("concept"), color.CyanString(a.Concept))
	fmt.Printf("  %s: %s\n", color.YellowString("observer"), a.Observer)
	fmt.Printf("  %s: %s\n", color.YellowString("video"), a.VideoReferenceUUID)
	fmt.Printf("  %s: %s\n", color.YellowString("imaged moment"), a.ImagedMomentUUID)
	if !a.RecordedTimestamp.IsZero() {
		fmt.Printf("  %s: %s\n", color.YellowString("recorded"), codec.FormatInstant(a.RecordedTimestamp))
	}
	if !a.ObservationTimestamp.IsZero() {
		fmt.Printf("  %s: %s\n", color.YellowString("observed"), codec.FormatInstant(a.ObservationTimestamp))
	}
	if a.Timecode != nil {
		fmt.Printf("  %s: %s\n", color.YellowString("timecode"), a.Timecode)
	}
	if a.ElapsedTime != nil {
		fmt.Printf("  %s: %s\n", color.YellowString("elapsed"), *a.ElapsedTime)
	}
	if a.Activity != "" {
		fmt.Printf("  %s: %s\n", color.YellowString("activity"), a.Activity)
	}
	if a.Group != "" {
		fmt.Printf("  %s: %s\n", color.YellowString("group"), a.Group)
	}
	for _, as := range a.Associations {
		fmt.Printf("  %s %s %s\n", color.GreenString("+"), color.CyanString(as.UUID.String()), as)
	}
	for _, img := range a.ImageReferences {
		fmt.Printf("  %s %s %s\n", color.GreenString("image"), color.CyanString(img.ImageReferenceUUID.String()), img.URL)
	}
}

func printEvent(_ context.Context, ev events.Event) {
	fmt.Fprintf(os.Stderr, "%s %s %s %s\n",
		color.MagentaString("event"), ev.Kind, color.GreenString(string(ev.Action)), color.CyanString(ev.EventID))
}

func handleFind(svc *anno.Service, args []string) {
	expectArgs(args, 1, "find <video-uuid> [limit] [offset]")
	videoRef := parseID("video reference", args[0])

	limit, offset := int64(-1), int64(-1)
	var err error
	if len(args) > 1 {
		if limit, err = strconv.ParseInt(args[1], 10, 64); err != nil {
			fail(fmt.Errorf("invalid limit %q: %w", args[1], err))
		}
	}
	if len(args) > 2 {
		if offset, err = strconv.ParseInt(args[2], 10, 64); err != nil {
			fail(fmt.Errorf("invalid offset %q: %w", args[2], err))
		}
	}

	f, err := svc.FindAnnotationsPage(videoRef, limit, offset)
	if err != nil {
		fail(err)
	}
	annos, err := anno.Await(f, timeout)
	if err != nil {
		if client.IsNotFound(err) {
			fmt.Fprintf(os.Stderr, "%s Video '%s' not found.\n", color.RedString("Error:"), color.CyanString(videoRef.String()))
			os.Exit(1)
		}
		fail(err)
	}
	for _, a := range annos {
		printAnnotation(a)
	}
	fmt.Printf("%s: %d\n", color.YellowString("total"), len(annos))
}

func handleCount(svc *anno.Service, args []string) {
	expectArgs(args, 1, "count <video-uuid>")
	f, err := svc.CountAnnotations(parseID("video reference", args[0]))
	if err != nil {
		fail(err)
	}
	count, err := anno.Await(f, timeout)
	if err != nil {
		fail(err)
	}
	fmt.Printf("%s: %s\n", color.YellowString(count.VideoReferenceUUID.String()), color.CyanString(strconv.FormatInt(count.Count, 10)))
}

func handleGet(svc *anno.Service, args []string) {
	expectArgs(args, 1, "get <observation-uuid>")
	id := parseID("observation", args[0])
	f, err := svc.FindByUUID(id)
	if err != nil {
		fail(err)
	}
	a, err := anno.Await(f, timeout)
	if err != nil {
		fail(err)
	}
	if a == nil {
		fmt.Fprintf(os.Stderr, "%s Annotation '%s' not found.\n", color.RedString("Error:"), color.CyanString(id.String()))
		os.Exit(1)
	}
	printAnnotation(*a)
}

func handleCreate(svc *anno.Service, args []string) {
	expectArgs(args, 3, "create <video-uuid> <concept> <observer> [timecode] [link_name|to_concept|link_value ...]")
	a := models.Annotation{
		VideoReferenceUUID: parseID("video reference", args[0]),
		Concept:            args[1],
		Observer:           args[2],
		RecordedTimestamp:  time.Now().UTC(),
	}
	rest := args[3:]
	if len(rest) > 0 && !strings.Contains(rest[0], "|") {
		tc, err := timecode.Parse(rest[0])
		if err != nil {
			fail(err)
		}
		a.Timecode = &tc
		rest = rest[1:]
	}
	var assocs []models.Association
	for _, s := range rest {
		assocs = append(assocs, parseAssociation(s))
	}

	f, err := svc.CreateAnnotationWithAssociations(a, assocs...)
	if err != nil {
		fail(err)
	}
	created, err := anno.Await(f, timeout)
	if err != nil {
		var stepErr *anno.StepError
		if errors.As(err, &stepErr) && stepErr.Index > 0 {
			fmt.Fprintf(os.Stderr, "%s Annotation %s was created but step %d failed\n",
				color.YellowString("Warning:"), color.CyanString(stepErr.Annotation.ObservationUUID.String()), stepErr.Index)
		}
		fail(err)
	}
	printAnnotation(created)
}

func handleUpdateConcept(svc *anno.Service, args []string) {
	expectArgs(args, 2, "concept <observation-uuid> <concept>")
	f, err := svc.UpdateAnnotation(models.Annotation{
		ObservationUUID: parseID("observation", args[0]),
		Concept:         args[1],
	})
	if err != nil {
		fail(err)
	}
	updated, err := anno.Await(f, timeout)
	if err != nil {
		fail(err)
	}
	printAnnotation(updated)
}

func handleDelete(svc *anno.Service, args []string) {
	expectArgs(args, 1, "delete <observation-uuid>")
	f, err := svc.DeleteAnnotation(parseID("observation", args[0]))
	if err != nil {
		fail(err)
	}
	if _, err := anno.Await(f, timeout); err != nil {
		fail(err)
	}
	color.HiGreen("OK")
}

func handleAssociate(svc *anno.Service, args []string) {
	expectArgs(args, 2, "associate <observation-uuid> <link_name|to_concept|link_value>")
	f, err := svc.CreateAssociation(parseID("observation", args[0]), parseAssociation(args[1]))
	if err != nil {
		fail(err)
	}
	as, err := anno.Await(f, timeout)
	if err != nil {
		fail(err)
	}
	fmt.Printf("%s: %s\n", color.YellowString(as.UUID.String()), color.CyanString(as.String()))
}

func handleUnassociate(svc *anno.Service, args []string) {
	expectArgs(args, 1, "unassociate <association-uuid>")
	f, err := svc.DeleteAssociation(parseID("association", args[0]))
	if err != nil {
		fail(err)
	}
	if _, err := anno.Await(f, timeout); err != nil {
		fail(err)
	}
	color.HiGreen("OK")
}

func handleImage(svc *anno.Service, args []string) {
	expectArgs(args, 2, "image <video-uuid> <url> [timecode]")
	u, err := url.Parse(args[1])
	if err != nil {
		fail(err)
	}
	img := models.Image{
		VideoReferenceUUID: parseID("video reference", args[0]),
		URL:                u,
		RecordedTimestamp:  time.Now().UTC(),
	}
	if len(args) > 2 {
		tc, err := timecode.Parse(args[2])
		if err != nil {
			fail(err)
		}
		img.Timecode = &tc
	}

	f, err := svc.CreateImage(img)
	if err != nil {
		fail(err)
	}
	created, err := anno.Await(f, timeout)
	if err != nil {
		fail(err)
	}
	fmt.Printf("%s: %s\n", color.YellowString("image reference"), color.CyanString(created.ImageReferenceUUID.String()))
	fmt.Printf("%s: %s\n", color.YellowString("imaged moment"), color.CyanString(created.ImagedMomentUUID.String()))
}

func handleDeleteImage(svc *anno.Service, args []string) {
	expectArgs(args, 1, "rmimage <image-reference-uuid>")
	f, err := svc.DeleteImage(parseID("image reference", args[0]))
	if err != nil {
		fail(err)
	}
	if _, err := anno.Await(f, timeout); err != nil {
		fail(err)
	}
	color.HiGreen("OK")
}

func handleByImage(svc *anno.Service, args []string) {
	expectArgs(args, 1, "byimage <image-reference-uuid>")
	f, err := svc.FindByImageReference(parseID("image reference", args[0]))
	if err != nil {
		fail(err)
	}
	annos, err := anno.Await(f, timeout)
	if err != nil {
		fail(err)
	}
	for _, a := range annos {
		printAnnotation(a)
	}
}

func handleMedia(args []string) {
	expectArgs(args, 2, "media <camera-id> <sequence-number>")
	seq, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		fail(fmt.Errorf("invalid sequence number %q: %w", args[1], err))
	}
	m, err := models.NewMedia(args[0], seq, time.Now())
	if err != nil {
		fail(err)
	}
	fmt.Printf("%s: %s\n", color.YellowString("camera"), color.CyanString(m.CameraID()))
	fmt.Printf("%s: %s\n", color.YellowString("sequence"), color.CyanString(m.VideoSequenceName()))
	fmt.Printf("%s: %s\n", color.YellowString("video"), color.CyanString(m.VideoName()))
	fmt.Printf("%s: %s\n", color.YellowString("start"), color.CyanString(codec.FormatInstant(m.StartTimestamp())))
	fmt.Printf("%s: %s\n", color.YellowString("uri"), color.CyanString(m.URI().String()))
}

// handleWatch polls the count of a video and reloads its annotations when it
// moves, publishing the reloaded set as a selection until interrupted.
func handleWatch(svc *anno.Service, args []string) {
	expectArgs(args, 1, "watch <video-uuid>")
	videoRef := parseID("video reference", args[0])

	unsub, err := svc.Bus().SubscribeFunc(events.KindSelection, func(_ context.Context, ev events.Event) {
		selected, _ := events.Items[models.Annotation](ev)
		fmt.Printf("%s %s annotations\n", color.MagentaString(codec.FormatInstant(ev.EmittedAt)), color.CyanString(strconv.Itoa(len(selected))))
		for _, a := range selected {
			fmt.Printf("  %s %s\n", color.YellowString(a.ObservationUUID.String()), a.Concept)
		}
	})
	if err != nil {
		fail(err)
	}
	defer unsub()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	last := int64(-1)
	for {
		f, err := svc.CountAnnotations(videoRef)
		if err != nil {
			fail(err)
		}
		count, err := anno.Await(f, timeout)
		switch {
		case err != nil:
			logger.Warn("Count failed", "video_reference_uuid", videoRef, "error", err)
		case count.Count != last:
			last = count.Count
			reload(ctx, svc, videoRef)
		}

		select {
		case <-ctx.Done():
			fmt.Println()
			logger.Info("Watch stopped")
			return
		case <-ticker.C:
		}
	}
}

func reload(ctx context.Context, svc *anno.Service, videoRef uuid.UUID) {
	f, err := svc.FindAnnotations(videoRef)
	if err != nil {
		logger.Warn("Reload rejected", "error", err)
		return
	}
	annos, err := anno.Await(f, timeout)
	if err != nil {
		logger.Warn("Reload failed", "video_reference_uuid", videoRef, "error", err)
		return
	}
	if err := svc.Select(ctx, annos...); err != nil {
		logger.Warn("Failed to publish selection", "error", err)
	}
}
