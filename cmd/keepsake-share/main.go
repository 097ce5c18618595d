// keepsake-share is the command-line stand-in for the OS share extension:
// it accepts one piece of shared content, durably enqueues it, and exits.
// It performs no network calls; the daemon imports the record later.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/keepsake-app/keepsake/internal/sharedpath"
	"github.com/keepsake-app/keepsake/internal/shareinbox"
)

const defaultAppGroup = "group.app.keepsake"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flags := flag.NewFlagSet("keepsake-share", flag.ContinueOnError)
	urlFlag := flags.String("url", "", "share a web link")
	textFlag := flags.String("text", "", "share a snippet of text")
	imageFlag := flags.String("image", "", "share an image file")
	videoFlag := flags.String("video", "", "share a video file")
	caption := flags.String("caption", "", "optional caption")
	source := flags.String("source", "", "bundle id of the sharing app")
	if err := flags.Parse(args); err != nil {
		return 2
	}

	payload, err := buildPayload(*urlFlag, *textFlag, *imageFlag, *videoFlag, flags.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "keepsake-share: %v\n", err)
		return 2
	}

	queue, containerDir, err := openQueue()
	if err != nil {
		fmt.Fprintf(os.Stderr, "keepsake-share: %v\n", err)
		return 1
	}

	writer := shareinbox.NewWriter(queue, containerDir, nil)
	result, err := writer.Submit(context.Background(), payload, shareinbox.SubmitOptions{
		Caption:   *caption,
		SourceApp: *source,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "keepsake-share: %v\n", err)
		return 1
	}
	if result.Degraded {
		fmt.Fprintln(os.Stderr, "warning: shared container unavailable, saved to app-local store")
	}
	fmt.Println(result.ID)
	return 0
}

// buildPayload picks the payload from the explicit flags, or detects it from
// a single positional argument: web links become url shares, existing files
// become image or video shares by extension, anything else is text.
func buildPayload(urlArg, textArg, imageArg, videoArg string, rest []string) (shareinbox.Payload, error) {
	set := 0
	for _, value := range []string{urlArg, textArg, imageArg, videoArg} {
		if strings.TrimSpace(value) != "" {
			set++
		}
	}
	if set > 1 {
		return nil, fmt.Errorf("only one of -url, -text, -image, -video may be set")
	}
	if set == 0 {
		if len(rest) == 0 {
			return nil, fmt.Errorf("nothing to share")
		}
		return detectPayload(strings.Join(rest, " ")), nil
	}

	switch {
	case urlArg != "":
		return shareinbox.URLPayload{URL: strings.TrimSpace(urlArg)}, nil
	case textArg != "":
		return shareinbox.TextPayload{Text: textArg}, nil
	case imageArg != "":
		return shareinbox.ImagePayload{ImageURI: imageArg, Filename: filepath.Base(imageArg)}, nil
	default:
		return shareinbox.VideoPayload{VideoURI: videoArg, Filename: filepath.Base(videoArg)}, nil
	}
}

func detectPayload(input string) shareinbox.Payload {
	trimmed := strings.TrimSpace(input)
	if isWebURL(trimmed) {
		return shareinbox.URLPayload{URL: trimmed}
	}
	if info, err := os.Stat(trimmed); err == nil && !info.IsDir() {
		switch strings.ToLower(filepath.Ext(trimmed)) {
		case ".jpg", ".jpeg", ".png", ".gif", ".heic", ".webp":
			return shareinbox.ImagePayload{ImageURI: trimmed, Filename: filepath.Base(trimmed)}
		case ".mov", ".mp4", ".m4v", ".webm":
			return shareinbox.VideoPayload{VideoURI: trimmed, Filename: filepath.Base(trimmed)}
		}
	}
	return shareinbox.TextPayload{Text: input}
}

func isWebURL(s string) bool {
	if !strings.HasPrefix(s, "http://") && !strings.HasPrefix(s, "https://") {
		return false
	}
	parsed, err := url.Parse(s)
	return err == nil && parsed.Host != ""
}

func openQueue() (shareinbox.PendingQueue, string, error) {
	dataDir := strings.TrimSpace(os.Getenv("KEEPSAKE_DATA_DIR"))
	if dataDir == "" {
		dataDir = ".keepsake"
	}
	if dsn := strings.TrimSpace(os.Getenv("KEEPSAKE_QUEUE_DSN")); dsn != "" {
		queue, err := shareinbox.BuildQueueFromDSN(dsn, nil)
		return queue, "", err
	}
	group := strings.TrimSpace(os.Getenv("KEEPSAKE_APP_GROUP"))
	if group == "" {
		group = defaultAppGroup
	}
	resolver := sharedpath.Chain{
		sharedpath.EnvResolver{},
		sharedpath.GroupResolver{},
	}
	queue, err := shareinbox.OpenQueue(resolver, group, dataDir, nil)
	if err != nil {
		return nil, "", err
	}
	containerDir := ""
	if queue.Shared() {
		containerDir = filepath.Dir(queue.Location())
	}
	return queue, containerDir, nil
}
