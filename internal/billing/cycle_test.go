package billing

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func day(d int) time.Time {
	return time.Date(2025, 4, d, 0, 0, 0, 0, time.UTC)
}

func approvedDoc(t *testing.T, doc Document, wht, retention string) Document {
	t.Helper()
	work := decimal.Zero
	for _, j := range doc.Jobs {
		work = work.Add(j.Amount)
	}
	adj, err := Adjustments(doc.Adjustments)
	require.NoError(t, err)
	totals, err := ComputeTotals(work, adj.Addition, adj.Deduction, dec(wht), dec(retention))
	require.NoError(t, err)
	doc.Status = StatusApproved
	doc.applyTotals(totals)
	return doc
}

func cycleFixture(t *testing.T) []Document {
	return []Document{
		approvedDoc(t, Document{
			ID: 1, DocNo: 3, ContractorID: 7, ContractorName: "สมชาย", ProjectName: "Green Ville",
			PlotName: "A-10", PlotType: "Type A", Type: TypeProgress, BillingDate: day(10),
			Jobs: []JobLine{{
				JobID: 1, Amount: dec("5000"), ProgressPercent: dec("50"), ItemName: "Foundation", Unit: "lot",
				Quantity: dec("10"), UnitPrice: dec("1000"), PlotName: "A-10", PlotType: "Type A", ProjectName: "Green Ville",
			}},
			Adjustments: []AdjustmentLine{{Kind: KindDeduction, Description: "Broken tiles", Unit: "lot", Quantity: dec("1"), UnitPrice: dec("500")}},
		}, "0", "5"),
		approvedDoc(t, Document{
			ID: 2, DocNo: 1, ContractorID: 7, ContractorName: "สมชาย", ProjectName: "Green Ville",
			PlotName: "A-2", Type: TypeProgress, BillingDate: day(5),
			Jobs: []JobLine{{
				JobID: 2, Amount: dec("2000"), ProgressPercent: dec("25"), ItemName: "Roof", Unit: "sqm",
				Quantity: dec("20"), UnitPrice: dec("400"), PlotName: "A-2", ProjectName: "Green Ville",
			}},
		}, "0", "5"),
		approvedDoc(t, Document{
			ID: 3, DocNo: 2, ContractorID: 8, ContractorName: "กมล", ProjectName: "Green Ville",
			PlotName: "A-2", Type: TypeExtraWork, ExtraWorkReason: "owner request", BillingDate: day(7),
			Adjustments: []AdjustmentLine{{Kind: KindAddition, Description: "Extra wall", Quantity: dec("1"), UnitPrice: dec("20000")}},
		}, "3", "5"),
		approvedDoc(t, Document{
			ID: 4, DocNo: 4, ContractorID: 9, PlotName: "B-1", Type: TypeExtraWork, BillingDate: day(12),
			Adjustments: []AdjustmentLine{{Kind: KindAddition, Description: "Gate", Quantity: dec("1"), UnitPrice: dec("300")}},
		}, "0", "0"),
		{
			ID: 5, DocNo: 5, ContractorID: 7, ContractorName: "สมชาย", Status: StatusPendingReview, BillingDate: day(12),
			TotalWorkAmount: dec("999"), NetAmount: dec("999"),
		},
	}
}

func contractorByID(t *testing.T, report CycleReport, id int64) ContractorCycle {
	t.Helper()
	for _, c := range report.Contractors {
		if c.ContractorID == id {
			return c
		}
	}
	t.Fatalf("contractor %d missing from report", id)
	return ContractorCycle{}
}

func TestBuildCycleReportGroupsAndSorts(t *testing.T) {
	filter := CycleFilter{DateFrom: day(1), DateTo: day(30)}
	report := BuildCycleReport(filter, cycleFixture(t), testNow)

	require.Len(t, report.Contractors, 3)
	require.Equal(t, testNow, report.GeneratedAt)

	names := make(map[int64]int)
	for i, c := range report.Contractors {
		names[c.ContractorID] = i
	}
	require.Less(t, names[8], names[7], "Thai names sort by collation, not byte order")

	somchai := contractorByID(t, report, 7)
	require.Equal(t, 2, somchai.Totals.DocumentCount)
	require.Len(t, somchai.Plots, 2)
	require.Equal(t, "A-2", somchai.Plots[0].PlotName)
	require.Equal(t, "A-10", somchai.Plots[1].PlotName)
	require.Equal(t, "#0001", somchai.Documents[0].DocNo)
	require.Equal(t, "#0003", somchai.Documents[1].DocNo)

	a10 := somchai.Plots[1]
	require.Equal(t, "Type A", a10.PlotType)
	require.Len(t, a10.Lines, 2)
	require.Equal(t, "Foundation", a10.Lines[0].Description)
	require.Equal(t, "50.00%", a10.Lines[0].Note)
	require.Equal(t, "หัก", a10.Lines[1].Note)
	requireAmount(t, "-500.00", a10.Lines[1].Total)
	requireAmount(t, "4500.00", a10.Subtotal)
	require.Equal(t, blankCell, somchai.Plots[0].PlotType)

	requireAmount(t, "7000.00", somchai.Totals.Work)
	requireAmount(t, "500.00", somchai.Totals.Deduct)
	requireAmount(t, "350.00", somchai.Totals.Retention)
	requireAmount(t, "6500.00", somchai.Totals.Gross)
	requireAmount(t, "6150.00", somchai.Totals.Net)

	kamol := contractorByID(t, report, 8)
	require.Len(t, kamol.Plots, 1)
	require.Equal(t, "owner request", kamol.Plots[0].Lines[0].Note)
	requireAmount(t, "600.00", kamol.Totals.WHT)
	requireAmount(t, "19400.00", kamol.Totals.Net)

	unknown := contractorByID(t, report, 9)
	require.Equal(t, unknownContractor, unknown.ContractorName)
	require.Equal(t, blankCell, unknown.Plots[0].ProjectName)
	require.Equal(t, "DC", unknown.Plots[0].Lines[0].Note)

	require.Equal(t, 4, report.GrandTotals.DocumentCount)
	requireAmount(t, "7000.00", report.GrandTotals.Work)
	requireAmount(t, "20300.00", report.GrandTotals.Add)
	requireAmount(t, "25850.00", report.GrandTotals.Net)
}

func TestBuildCycleReportLineOrderWithinPlot(t *testing.T) {
	base := Document{ContractorID: 7, ContractorName: "สมชาย", ProjectName: "P", PlotName: "A-1", Type: TypeProgress}
	mk := func(id, docNo int64, d int) Document {
		doc := base
		doc.ID, doc.DocNo, doc.BillingDate = id, docNo, day(d)
		doc.Jobs = []JobLine{{JobID: id, Amount: dec("100"), ProgressPercent: dec("10"), ItemName: "Item"}}
		return approvedDoc(t, doc, "0", "0")
	}
	report := BuildCycleReport(CycleFilter{DateFrom: day(1), DateTo: day(30)},
		[]Document{mk(1, 12, 9), mk(2, 11, 9), mk(3, 2, 3)}, testNow)

	lines := report.Contractors[0].Plots[0].Lines
	require.Len(t, lines, 3)
	require.Equal(t, "#0002", lines[0].DocNo)
	require.Equal(t, "#0011", lines[1].DocNo)
	require.Equal(t, "#0012", lines[2].DocNo)
}

func TestBuildCycleReportEmpty(t *testing.T) {
	report := BuildCycleReport(CycleFilter{DateFrom: day(1), DateTo: day(2)}, nil, testNow)
	require.NotNil(t, report.Contractors)
	require.Empty(t, report.Contractors)
	require.Zero(t, report.GrandTotals.DocumentCount)
	require.True(t, report.GrandTotals.Net.IsZero())
}

func TestCycleFilterValidate(t *testing.T) {
	require.ErrorIs(t, CycleFilter{}.Validate(), ErrValidation)
	require.ErrorIs(t, CycleFilter{DateFrom: day(10), DateTo: day(1)}.Validate(), ErrValidation)
	require.NoError(t, CycleFilter{DateFrom: day(1), DateTo: day(1)}.Validate())

	project := int64(100)
	require.Equal(t, "billing:cycle:2025-04-01:2025-04-30:100:all", CycleFilter{DateFrom: day(1), DateTo: day(30), ProjectID: &project}.cacheKey())
}

func TestContractorCycleReportThroughService(t *testing.T) {
	f := newFixture(t)
	doc := f.submit(t, progressInput(JobLineInput{JobID: 1, ProgressPercent: dec("50")}))
	f.submit(t, progressInput(JobLineInput{JobID: 2, ProgressPercent: dec("50")}))
	_, err := f.svc.Approve(t.Context(), reviewer, doc.ID, ApproveInput{})
	require.NoError(t, err)

	report, err := f.svc.ContractorCycleReport(t.Context(), CycleFilter{DateFrom: day(1), DateTo: day(30)})
	require.NoError(t, err)
	require.Len(t, report.Contractors, 1)
	require.Equal(t, 1, report.GrandTotals.DocumentCount)
	requireAmount(t, "4750.00", report.GrandTotals.Net)

	_, err = f.svc.ContractorCycleReport(t.Context(), CycleFilter{DateFrom: day(30), DateTo: day(1)})
	require.ErrorIs(t, err, ErrValidation)
}
