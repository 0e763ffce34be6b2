package showactivity

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	_ "image/png"
	"net/http"
	"os"

	"github.com/go-analyze/charts"
	"github.com/mattn/go-sixel"
	"github.com/mdouchement/k8090d"
	"github.com/mdouchement/k8090d/k8090"
	"github.com/spf13/cobra"
)

func Command(client *http.Client) *cobra.Command {
	var resolution int

	cmd := &cobra.Command{
		Use:   "show-activity",
		Short: "Show the recent relay transitions as a chart",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, args []string) error {
			resp, err := client.Get("http://unix/activity")
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("activity: %s", resp.Status)
			}

			var activity []k8090d.Activity
			if err = json.NewDecoder(resp.Body).Decode(&activity); err != nil {
				return fmt.Errorf("activity: %w", err)
			}
			if len(activity) == 0 {
				fmt.Println("No relay activity recorded")
				return nil
			}

			opt := chartOption(activity)
			p := charts.NewPainter(charts.PainterOptions{
				OutputFormat: charts.ChartOutputPNG,
				Width:        resolution,
				Height:       int(float64(resolution) / (16.0 / 9.0)),
			})

			if err = p.LineChart(opt); err != nil {
				return err
			}

			mPNG, err := p.Bytes()
			if err != nil {
				return err
			}

			m, _, err := image.Decode(bytes.NewReader(mPNG))
			if err != nil {
				return err
			}

			return sixel.NewEncoder(os.Stdout).Encode(m)
		},
	}
	cmd.Flags().IntVarP(&resolution, "resolution", "r", 1000, "The width size in pixel of the graph")

	return cmd
}

// chartOption draws one lane per relay involved in activity. A relay is
// drawn on its lane's upper edge while it is on.
func chartOption(activity []k8090d.Activity) charts.LineChartOption {
	var involved k8090.Mask
	labels := map[int]string{}
	for _, a := range activity {
		involved |= k8090.Mask(1) << (a.Relay - 1)
		labels[a.Relay-1] = a.Label
	}

	var set charts.LineSeriesList
	for lane, i := range involved.Relays() {
		ls := charts.LineSeries{
			Name: fmt.Sprintf("relay%d(%s)", i+1, labels[i]),
		}
		for _, a := range activity {
			v := float64(2 * lane)
			if a.Current.Has(i) {
				v++
			}
			ls.Values = append(ls.Values, v)
		}
		set = append(set, ls)
	}

	opt := charts.NewLineChartOptionWithSeries(set)
	opt.Theme = charts.GetTheme(charts.ThemeVividDark)
	opt.Padding = charts.NewBox(20, 20, 20, 20)
	opt.Title.Text = fmt.Sprintf("Relay activity since %s", activity[0].At.Local().Format("2006-01-02 15:04:05"))
	opt.Title.FontStyle.FontSize = 16
	opt.Title.Offset = charts.OffsetLeft
	opt.Legend = charts.LegendOption{
		Show:     k8090d.ToPtr(true),
		Offset:   charts.OffsetCenter,
		Vertical: k8090d.ToPtr(true),
		Padding:  charts.NewBox(0, 0, 0, 20),
	}
	opt.Symbol = charts.SymbolNone
	opt.LineStrokeWidth = 2
	opt.XAxis.Show = k8090d.ToPtr(true)
	opt.XAxis.Labels = []string{} // Reset
	for _, a := range activity {
		opt.XAxis.Labels = append(opt.XAxis.Labels, a.At.Local().Format("15:04:05"))
	}
	opt.XAxis.LabelCount = min(len(activity), 10)
	opt.YAxis = []charts.YAxisOption{
		{
			Show:                   k8090d.ToPtr(false),
			Min:                    k8090d.ToPtr(float64(0)),
			Max:                    k8090d.ToPtr(float64(2*len(set) - 1)),
			RangeValuePaddingScale: k8090d.ToPtr(float64(0)),
		},
	}

	return opt
}
