package monitor

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mdouchement/k8090d"
	"github.com/spf13/cobra"
)

func Command(client *http.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "monitor",
		Short: "Start the TUI monitor display",
		Long:  "Start the TUI monitor display. Keys 1 to 8 toggle the matching relay.",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, args []string) error {
			resp, err := client.Get("http://unix/monitor")
			if err != nil {
				return err
			}
			if resp.StatusCode < 200 || resp.StatusCode >= 300 { // Should never happen
				b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
				return fmt.Errorf("sse bad status: %s body=%q", resp.Status, string(b))
			}
			defer resp.Body.Close()

			m := newTUI(client)
			tui := tea.NewProgram(m, tea.WithAltScreen())

			go func() {
				events := k8090d.NewSSEReader(resp.Body)
				for {
					event, err := events.Next()
					if err != nil {
						tui.Quit()
						fmt.Println("ERR:", err)
						os.Exit(1)
					}

					var status k8090d.Status
					err = json.Unmarshal(event, &status)
					if err != nil {
						tui.Quit()
						fmt.Println("ERR:", err)
						os.Exit(1)
					}

					tui.Send(status)
				}
			}()

			_, err = tui.Run()
			return err
		},
	}
}
