package cli

import (
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/imkarma/storyloop/internal/events"
	"github.com/spf13/cobra"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show the event log",
	Long: `Prints the loop's event log, oldest first. With --follow, keeps printing
new events as the loop appends them until Ctrl+C.`,
	Args: cobra.NoArgs,
	RunE: runEvents,
}

var (
	eventsTail   int
	eventsStory  string
	eventsFollow bool
)

func init() {
	eventsCmd.Flags().IntVarP(&eventsTail, "lines", "n", 20, "Number of events to show (0 for all)")
	eventsCmd.Flags().StringVar(&eventsStory, "story", "", "Only events for this story")
	eventsCmd.Flags().BoolVarP(&eventsFollow, "follow", "f", false, "Keep printing new events")

	rootCmd.AddCommand(eventsCmd)
}

func runEvents(cmd *cobra.Command, args []string) error {
	evs, err := events.Read(cfg.EventsPath())
	if err != nil {
		return err
	}
	if eventsStory != "" {
		evs = events.Filter(evs, eventsStory)
	}
	evs = events.Tail(evs, eventsTail)

	if len(evs) == 0 && !eventsFollow {
		fmt.Println("No events.")
		return nil
	}
	for _, e := range evs {
		printEvent(e)
	}
	if !eventsFollow {
		return nil
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	err = events.Follow(ctx, cfg.EventsPath(), func(e events.Event) {
		if eventsStory == "" || e.StoryID == eventsStory {
			printEvent(e)
		}
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func printEvent(e events.Event) {
	ts := e.Timestamp
	if t := e.Time(); !t.IsZero() {
		ts = t.Local().Format("2006-01-02 15:04:05")
	}

	ids := ""
	if e.IterationID != "" {
		ids += e.IterationID + " "
	}
	if e.StoryID != "" {
		ids += cyan(e.StoryID) + " "
	}

	payload := ""
	if len(e.Payload) > 0 {
		if data, err := json.Marshal(e.Payload); err == nil {
			payload = dim(truncate(string(data), 120))
		}
	}
	fmt.Printf("  %s  %s %s%s\n", dim(ts), eventColor(e.Type)(padRight(string(e.Type), 20)), ids, payload)
}

func eventColor(t events.Type) func(...any) string {
	switch t {
	case events.StoryCompleted, events.ValidationPassed, events.LoopCompleted:
		return green
	case events.StoryReopened, events.StoryReclaimed, events.LoopPaused:
		return yellow
	case events.ValidationFailed, events.LoopInterrupted:
		return red
	case events.StorySelected, events.AgentStarted:
		return blue
	default:
		return fmt.Sprint
	}
}
