package billing

import (
	"encoding/csv"
	"io"
	"strconv"
	"time"

	"github.com/buildpay/buildpay/internal/money"
)

var cycleCSVHeader = []string{
	"contractor", "doc_no", "billing_date", "project", "plot", "plot_type",
	"description", "quantity", "unit", "unit_price", "total", "note",
}

// WriteCycleCSV writes one row per report line followed by a totals row per
// contractor and a grand total row.
func WriteCycleCSV(w io.Writer, report CycleReport) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(cycleCSVHeader); err != nil {
		return err
	}
	for _, c := range report.Contractors {
		for _, plot := range c.Plots {
			for _, l := range plot.Lines {
				row := []string{
					c.ContractorName,
					l.DocNo,
					l.BillingDate.Format(time.DateOnly),
					l.ProjectName,
					l.PlotName,
					l.PlotType,
					l.Description,
					l.Quantity.String(),
					l.Unit,
					money.Format(l.UnitPrice),
					money.Format(l.Total),
					l.Note,
				}
				if err := cw.Write(row); err != nil {
					return err
				}
			}
		}
		if err := cw.Write(totalsRow(c.ContractorName, c.Totals)); err != nil {
			return err
		}
	}
	if err := cw.Write(totalsRow("ALL", report.GrandTotals)); err != nil {
		return err
	}
	cw.Flush()
	return cw.Error()
}

func totalsRow(label string, t CycleTotals) []string {
	row := make([]string, len(cycleCSVHeader))
	row[0] = label
	row[1] = "TOTAL"
	row[2] = strconv.Itoa(t.DocumentCount) + " documents"
	row[6] = "work " + money.Format(t.Work) + " / add " + money.Format(t.Add) + " / deduct " + money.Format(t.Deduct) +
		" / wht " + money.Format(t.WHT) + " / retention " + money.Format(t.Retention)
	row[10] = money.Format(t.Net)
	row[11] = "net"
	return row
}
