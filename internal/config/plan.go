package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Sync method keywords. Any other method value names the watermark column
// directly.
const (
	MethodAutono    = "autono"
	MethodTimestamp = "timestamp"
	MethodHybrid    = "hybrid"
	MethodFull      = "full"
)

// CanonicalMethod lowercases keyword methods and leaves literal column
// names untouched. Method matching is case-insensitive for keywords only.
func CanonicalMethod(m string) string {
	switch strings.ToLower(strings.TrimSpace(m)) {
	case MethodAutono:
		return MethodAutono
	case MethodTimestamp:
		return MethodTimestamp
	case MethodHybrid:
		return MethodHybrid
	case MethodFull:
		return MethodFull
	case "":
		return MethodAutono
	}
	return strings.TrimSpace(m)
}

// TableSpec describes how one table is replicated.
type TableSpec struct {
	Name       string `yaml:"name"`
	Method     string `yaml:"method,omitempty"`
	BatchSize  int    `yaml:"batch-size,omitempty"`
	DateColumn string `yaml:"date-column,omitempty"`
}

// Plan is the ordered set of tables one cycle replicates per branch.
type Plan struct {
	Tables           []TableSpec `yaml:"tables"`
	DefaultBatchSize int         `yaml:"default-batch-size,omitempty"`
}

// DefaultPlan returns the compiled-in table plan.
func DefaultPlan() *Plan {
	return &Plan{
		DefaultBatchSize: 100,
		Tables: []TableSpec{
			{Name: "SALEDETAIL", Method: MethodAutono, BatchSize: 100},
			{Name: "SALEHEADER", Method: MethodAutono, BatchSize: 100},
			{Name: "Item", Method: MethodFull, BatchSize: 100},
			{Name: "debitdetail", Method: MethodAutono, BatchSize: 100},
			{Name: "debitheader", Method: "VoucherNo"},
			{Name: "whdebitdetail"},
			{Name: "whdebitheader"},
			{Name: "BallotingSys", Method: "CouponNo"},
			{Name: "ITEMOTHERS", Method: MethodFull},
			{Name: "SubCategory", Method: MethodAutono, BatchSize: 110},
			{Name: "Tbl_V_C"},
			{Name: "Tbl_V_P"},
			{Name: "Tbl_ChartOfAccount", Method: MethodFull, BatchSize: 110},
		},
	}
}

// LoadPlan reads a plan overlay from path. An empty path returns the
// compiled-in default plan; a file with a tables list replaces the default
// list entirely.
func LoadPlan(path string) (*Plan, error) {
	if path == "" {
		return DefaultPlan(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan file: %w", err)
	}
	var p Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse plan file %s: %w", path, err)
	}
	if len(p.Tables) == 0 {
		return nil, fmt.Errorf("plan file %s lists no tables", path)
	}
	for i, t := range p.Tables {
		if strings.TrimSpace(t.Name) == "" {
			return nil, fmt.Errorf("plan file %s: table %d has no name", path, i+1)
		}
	}
	if p.DefaultBatchSize <= 0 {
		p.DefaultBatchSize = 100
	}
	return &p, nil
}

// TableNames returns the table names in plan order.
func (p *Plan) TableNames() []string {
	names := make([]string, len(p.Tables))
	for i, t := range p.Tables {
		names[i] = t.Name
	}
	return names
}

// Spec returns the table's spec, matched case-insensitively.
func (p *Plan) Spec(table string) (TableSpec, bool) {
	for _, t := range p.Tables {
		if strings.EqualFold(t.Name, table) {
			return t, true
		}
	}
	return TableSpec{}, false
}

// MethodFor returns the canonical sync method for a table. Tables without
// an explicit method default to autono.
func (p *Plan) MethodFor(table string) string {
	if spec, ok := p.Spec(table); ok {
		return CanonicalMethod(spec.Method)
	}
	return MethodAutono
}

// BatchSizeFor returns the extraction batch size for a table.
func (p *Plan) BatchSizeFor(table string) int {
	if spec, ok := p.Spec(table); ok && spec.BatchSize > 0 {
		return spec.BatchSize
	}
	if p.DefaultBatchSize > 0 {
		return p.DefaultBatchSize
	}
	return 100
}

// DateColumnFor returns the transaction date column used for lookback
// cutoffs, either from the table spec or from the built-in mapping for the
// known transactional tables.
func (p *Plan) DateColumnFor(table string) string {
	if spec, ok := p.Spec(table); ok && spec.DateColumn != "" {
		return spec.DateColumn
	}
	switch strings.ToLower(table) {
	case "saledetail", "saleheader":
		return "TrnDate"
	case "debitheader":
		return "VoucherDate"
	}
	return ""
}
