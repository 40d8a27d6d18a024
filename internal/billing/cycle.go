package billing

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

const (
	unknownContractor = "ไม่ระบุผู้รับเหมา"
	deductionNote     = "หัก"
	extraWorkNote     = "DC"
	blankCell         = "-"
)

// CycleFilter selects approved documents by inclusive billing date range.
type CycleFilter struct {
	DateFrom     time.Time `json:"date_from"`
	DateTo       time.Time `json:"date_to"`
	ProjectID    *int64    `json:"project_id,omitempty"`
	ContractorID *int64    `json:"contractor_id,omitempty"`
}

// Validate requires both dates in order.
func (f CycleFilter) Validate() error {
	if f.DateFrom.IsZero() || f.DateTo.IsZero() {
		return fmt.Errorf("%w: date_from and date_to are required", ErrValidation)
	}
	if f.DateTo.Before(f.DateFrom) {
		return fmt.Errorf("%w: date_to is before date_from", ErrValidation)
	}
	return nil
}

func (f CycleFilter) cacheKey() string {
	parts := []string{"billing", "cycle", f.DateFrom.Format(time.DateOnly), f.DateTo.Format(time.DateOnly), optionalID(f.ProjectID), optionalID(f.ContractorID)}
	return strings.Join(parts, ":")
}

func optionalID(id *int64) string {
	if id == nil {
		return "all"
	}
	return fmt.Sprintf("%d", *id)
}

// CycleLine is one job or adjustment line in a plot bucket.
type CycleLine struct {
	DocumentID  int64           `json:"billing_id"`
	DocNo       string          `json:"doc_no"`
	BillingDate time.Time       `json:"billing_date"`
	ProjectName string          `json:"project_name"`
	PlotName    string          `json:"plot_name"`
	PlotType    string          `json:"plot_type"`
	Description string          `json:"description"`
	Quantity    decimal.Decimal `json:"quantity"`
	Unit        string          `json:"unit"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Total       decimal.Decimal `json:"total"`
	Note        string          `json:"note"`
	docNo       int64
}

// PlotGroup buckets lines by project and plot.
type PlotGroup struct {
	ProjectName string          `json:"project_name"`
	PlotName    string          `json:"plot_name"`
	PlotType    string          `json:"plot_type"`
	Lines       []CycleLine     `json:"lines"`
	Subtotal    decimal.Decimal `json:"subtotal"`
}

// CycleTotals sums stored document totals.
type CycleTotals struct {
	Work          decimal.Decimal `json:"total_work"`
	Add           decimal.Decimal `json:"total_add"`
	Deduct        decimal.Decimal `json:"total_deduct"`
	WHT           decimal.Decimal `json:"total_wht"`
	Retention     decimal.Decimal `json:"total_retention"`
	Gross         decimal.Decimal `json:"total_gross"`
	Net           decimal.Decimal `json:"total_net"`
	DocumentCount int             `json:"document_count"`
}

func (t *CycleTotals) add(d Document) {
	totals := d.Totals()
	t.Work = t.Work.Add(d.TotalWorkAmount)
	t.Add = t.Add.Add(d.TotalAddAmount)
	t.Deduct = t.Deduct.Add(d.TotalDeductAmount)
	t.WHT = t.WHT.Add(totals.WHT)
	t.Retention = t.Retention.Add(totals.Retention)
	t.Gross = t.Gross.Add(totals.Gross)
	t.Net = t.Net.Add(d.NetAmount)
	t.DocumentCount++
}

func (t *CycleTotals) merge(o CycleTotals) {
	t.Work = t.Work.Add(o.Work)
	t.Add = t.Add.Add(o.Add)
	t.Deduct = t.Deduct.Add(o.Deduct)
	t.WHT = t.WHT.Add(o.WHT)
	t.Retention = t.Retention.Add(o.Retention)
	t.Gross = t.Gross.Add(o.Gross)
	t.Net = t.Net.Add(o.Net)
	t.DocumentCount += o.DocumentCount
}

// CycleDocument is the header summary of a document inside a contractor group.
type CycleDocument struct {
	ID          int64           `json:"id"`
	DocNo       string          `json:"doc_no"`
	BillingDate time.Time       `json:"billing_date"`
	ProjectName string          `json:"project_name"`
	PlotName    string          `json:"plot_name"`
	Type        DocumentType    `json:"type"`
	NetAmount   decimal.Decimal `json:"net_amount"`
}

// ContractorCycle is every approved document of one contractor in the cycle.
type ContractorCycle struct {
	ContractorID   int64           `json:"contractor_id"`
	ContractorName string          `json:"contractor_name"`
	Documents      []CycleDocument `json:"documents"`
	Plots          []PlotGroup     `json:"plots"`
	Totals         CycleTotals     `json:"totals"`
}

// CycleReport is the contractor payout summary for a date range.
type CycleReport struct {
	Filter      CycleFilter       `json:"filter"`
	Contractors []ContractorCycle `json:"contractors"`
	GrandTotals CycleTotals       `json:"grand_totals"`
	GeneratedAt time.Time         `json:"generated_at"`
}

// BuildCycleReport groups approved documents by contractor and plot. It does
// no I/O; docs must carry their lines.
func BuildCycleReport(filter CycleFilter, docs []Document, now time.Time) CycleReport {
	col := collate.New(language.Thai, collate.Numeric, collate.Loose)
	compare := col.CompareString

	byContractor := make(map[int64]*ContractorCycle)
	var order []int64
	plotIndex := make(map[int64]map[string]int)
	for _, d := range docs {
		if d.Status != StatusApproved {
			continue
		}
		group, ok := byContractor[d.ContractorID]
		if !ok {
			name := strings.TrimSpace(d.ContractorName)
			if name == "" {
				name = unknownContractor
			}
			group = &ContractorCycle{ContractorID: d.ContractorID, ContractorName: name}
			byContractor[d.ContractorID] = group
			plotIndex[d.ContractorID] = make(map[string]int)
			order = append(order, d.ContractorID)
		}
		group.Totals.add(d)
		group.Documents = append(group.Documents, CycleDocument{
			ID:          d.ID,
			DocNo:       d.Reference(),
			BillingDate: d.BillingDate,
			ProjectName: orBlank(d.ProjectName),
			PlotName:    orBlank(d.PlotName),
			Type:        d.Type,
			NetAmount:   d.NetAmount,
		})
		for _, line := range cycleLines(d) {
			key := line.ProjectName + "\x00" + line.PlotName
			idx, ok := plotIndex[d.ContractorID][key]
			if !ok {
				idx = len(group.Plots)
				plotIndex[d.ContractorID][key] = idx
				group.Plots = append(group.Plots, PlotGroup{ProjectName: line.ProjectName, PlotName: line.PlotName, PlotType: line.PlotType})
			}
			plot := &group.Plots[idx]
			if plot.PlotType == blankCell && line.PlotType != blankCell {
				plot.PlotType = line.PlotType
			}
			plot.Lines = append(plot.Lines, line)
			plot.Subtotal = plot.Subtotal.Add(line.Total)
		}
	}

	report := CycleReport{Filter: filter, GeneratedAt: now, Contractors: make([]ContractorCycle, 0, len(order))}
	for _, id := range order {
		group := byContractor[id]
		sort.SliceStable(group.Documents, func(i, j int) bool {
			a, b := group.Documents[i], group.Documents[j]
			if c := compare(a.ProjectName, b.ProjectName); c != 0 {
				return c < 0
			}
			if c := compare(a.PlotName, b.PlotName); c != 0 {
				return c < 0
			}
			if !a.BillingDate.Equal(b.BillingDate) {
				return a.BillingDate.Before(b.BillingDate)
			}
			return a.DocNo < b.DocNo
		})
		sort.SliceStable(group.Plots, func(i, j int) bool {
			a, b := group.Plots[i], group.Plots[j]
			if c := compare(a.ProjectName, b.ProjectName); c != 0 {
				return c < 0
			}
			return compare(a.PlotName, b.PlotName) < 0
		})
		for i := range group.Plots {
			lines := group.Plots[i].Lines
			sort.SliceStable(lines, func(a, b int) bool {
				if !lines[a].BillingDate.Equal(lines[b].BillingDate) {
					return lines[a].BillingDate.Before(lines[b].BillingDate)
				}
				return lines[a].docNo < lines[b].docNo
			})
		}
		report.GrandTotals.merge(group.Totals)
		report.Contractors = append(report.Contractors, *group)
	}
	sort.SliceStable(report.Contractors, func(i, j int) bool {
		a, b := report.Contractors[i], report.Contractors[j]
		if c := compare(a.ContractorName, b.ContractorName); c != 0 {
			return c < 0
		}
		return a.ContractorID < b.ContractorID
	})
	return report
}

func cycleLines(d Document) []CycleLine {
	lines := make([]CycleLine, 0, len(d.Jobs)+len(d.Adjustments))
	base := CycleLine{
		DocumentID:  d.ID,
		DocNo:       d.Reference(),
		BillingDate: d.BillingDate,
		docNo:       d.DocNo,
	}
	for _, j := range d.Jobs {
		line := base
		line.ProjectName = orBlank(firstNonEmpty(j.ProjectName, d.ProjectName))
		line.PlotName = orBlank(firstNonEmpty(j.PlotName, d.PlotName))
		line.PlotType = orBlank(firstNonEmpty(j.PlotType, d.PlotType))
		line.Description = orBlank(j.ItemName)
		line.Quantity = j.Quantity
		line.Unit = orBlank(j.Unit)
		line.UnitPrice = j.UnitPrice
		line.Total = j.Amount
		line.Note = j.ProgressPercent.StringFixed(2) + "%"
		lines = append(lines, line)
	}
	for _, a := range d.Adjustments {
		line := base
		line.ProjectName = orBlank(d.ProjectName)
		line.PlotName = orBlank(firstNonEmpty(a.PlotName, d.PlotName))
		line.PlotType = orBlank(d.PlotType)
		line.Description = orBlank(a.Description)
		line.Quantity = a.Quantity
		line.Unit = orBlank(a.Unit)
		line.UnitPrice = a.UnitPrice
		line.Total = a.Signed()
		switch {
		case strings.TrimSpace(d.ExtraWorkReason) != "":
			line.Note = d.ExtraWorkReason
		case a.Kind == KindDeduction:
			line.Note = deductionNote
		default:
			line.Note = extraWorkNote
		}
		lines = append(lines, line)
	}
	return lines
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func orBlank(s string) string {
	if strings.TrimSpace(s) == "" {
		return blankCell
	}
	return s
}
