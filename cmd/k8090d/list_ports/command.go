package listports

import (
	"fmt"

	"github.com/mdouchement/k8090d/k8090"
	"github.com/spf13/cobra"
)

func Command() *cobra.Command {
	return &cobra.Command{
		Use:   "list-ports",
		Short: "List the serial ports of the plugged K8090 cards",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, args []string) error {
			ports, err := k8090.Discover()
			if err != nil {
				return err
			}
			if len(ports) == 0 {
				return k8090.ErrNotFound
			}

			for _, p := range ports {
				fmt.Printf("%-16s SN: %-12s %s\n", p.Name, p.SerialNumber, p.Product)
			}

			return nil
		},
	}
}
