package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/user"
	"path/filepath"
	"runtime"

	"github.com/charmbracelet/huh"
	"github.com/mdouchement/k8090d"
	"github.com/mdouchement/k8090d/cmd/k8090ctl/monitor"
	showactivity "github.com/mdouchement/k8090d/cmd/k8090ctl/show_activity"
	"github.com/mdouchement/k8090d/k8090"
	"github.com/spf13/cobra"
	"go.yaml.in/yaml/v4"
)

var (
	version  = "dev"
	revision = "none"
	date     = "unknown"
)

func main() {
	client := &http.Client{}

	cmd := &cobra.Command{
		Use:     "k8090ctl",
		Short:   "A ctl use to interact with k8090d",
		Version: fmt.Sprintf("%s - build %.7s @ %s - %s", version, revision, date, runtime.Version()),
		Args:    cobra.NoArgs,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}

			socket, err := findSocket()
			if err != nil {
				return err
			}

			client.Transport = &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socket)
				},
				DisableCompression: false,
			}
			return nil
		},
	}
	cmd.AddCommand(monitor.Command(client))
	cmd.AddCommand(showactivity.Command(client))
	cmd.AddCommand(statusCommand(client))
	for _, action := range []string{"on", "off", "toggle"} {
		cmd.AddCommand(switchCommand(client, action))
	}
	cmd.AddCommand(timerCommand(client))
	cmd.AddCommand(resetCommand(client))
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Version for k8090ctl",
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Println(cmd.Version)
		},
	})

	if err := cmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func statusCommand(client *http.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the card state known by k8090d",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			var status k8090d.Status
			if err := call(client, http.MethodGet, "/status", &status); err != nil {
				return err
			}

			p, err := yaml.Marshal(status)
			if err != nil {
				return err
			}
			fmt.Print(string(p))
			return nil
		},
	}
}

func switchCommand(client *http.Client, action string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " RELAYS",
		Short: fmt.Sprintf("Switch %s the given relays (e.g. 1,3 or all)", action),
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			var rs k8090.RelayStatus
			err := call(client, http.MethodPost, "/relays/"+action+"?relays="+url.QueryEscape(args[0]), &rs)
			if err != nil {
				return err
			}
			printRelayStatus(rs)
			return nil
		},
	}
}

func timerCommand(client *http.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "timer RELAYS [DELAY]",
		Short: "Start the timer of the given relays, with their default delay when DELAY is omitted",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(_ *cobra.Command, args []string) error {
			q := url.Values{}
			q.Set("relays", args[0])
			if len(args) == 2 {
				q.Set("delay", args[1])
			}

			var rs k8090.RelayStatus
			if err := call(client, http.MethodPost, "/timers?"+q.Encode(), &rs); err != nil {
				return err
			}
			printRelayStatus(rs)
			return nil
		},
	}
}

func resetCommand(client *http.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "factory-reset",
		Short: "Restore the factory button modes and timers",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return call(client, http.MethodPost, "/reset", nil)
		},
	}
}

func printRelayStatus(rs k8090.RelayStatus) {
	for i := range k8090.NumRelays {
		state := "off"
		if rs.Current.Has(i) {
			state = "on"
		}
		if rs.Timed.Has(i) {
			state += " (timer)"
		}
		fmt.Printf("relay%d: %s\n", i+1, state)
	}
}

func call(client *http.Client, method, path string, v any) error {
	req, err := http.NewRequest(method, "http://unix"+path, nil)
	if err != nil {
		return err
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if err = json.NewDecoder(resp.Body).Decode(&apiErr); err != nil || apiErr.Error == "" {
			return fmt.Errorf("k8090d: %s", resp.Status)
		}
		return errors.New(apiErr.Error)
	}

	if v == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

//
//
//

type config struct {
	Socket string `yaml:"socket"`
}

func findSocket() (string, error) {
	socket := k8090d.DefaultSocket
	if _, err := os.Stat(socket); err == nil {
		return socket, nil
	}

	u, err := user.Current()
	if err != nil {
		return "", err
	}

	var cfg config
	cpath := filepath.Join(u.HomeDir, ".config", "k8090ctl", "k8090ctl.yml") // Does not follow XDG..
	if p, err := os.ReadFile(cpath); err == nil {
		err = yaml.Unmarshal(p, &cfg)
		if err != nil {
			return "", err
		}

		if _, err = os.Stat(cfg.Socket); err == nil {
			return cfg.Socket, nil
		}

		fmt.Println("Invalid socket path:", cfg.Socket)
	}

	err = huh.NewInput().
		Title("Socket path").
		Description("Unix socket served by k8090d.").
		Value(&socket).
		Validate(func(s string) error {
			fi, err := os.Stat(s)
			if err != nil {
				return err
			}
			if fi.Mode()&os.ModeSocket == 0 {
				return fmt.Errorf("%s is not a socket", s)
			}
			return nil
		}).
		Run()
	if err != nil {
		return "", err
	}

	if err = os.MkdirAll(filepath.Dir(cpath), 0o755); err != nil {
		return "", err
	}

	cfg.Socket = socket
	p, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}

	return socket, os.WriteFile(cpath, p, 0o600)
}
