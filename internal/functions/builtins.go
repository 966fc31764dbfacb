// internal/functions/builtins.go
package functions

// Builtins is the fixed set of functions stored rules may reference. Names
// are contractual: renaming one breaks every rule that calls it.
var Builtins = []Definition{
	{
		Name:        "calculate_vat_standard",
		Description: "Per-item VAT and totals for cart items (items, params)",
		MinArgs:     1,
		MaxArgs:     2,
		Fn:          calculateVATStandard,
	},
	{
		Name:        "lookup_region",
		Description: "VAT region for an ISO country code; unknown is ROW",
		MinArgs:     1,
		MaxArgs:     1,
		Fn:          lookupRegion,
	},
	{
		Name:        "lookup_vat_rate",
		Description: "Standard VAT rate for an ISO country code",
		MinArgs:     1,
		MaxArgs:     1,
		Fn:          lookupVATRate,
	},
	{
		Name:        "calculate_vat_amount",
		Description: "net * rate rounded half up to 2 dp",
		MinArgs:     2,
		MaxArgs:     2,
		Fn:          calculateVATAmount,
	},
	{
		Name:        "check_expired_marking_deadlines",
		Description: "Marking items whose deadlines have passed (items, params.now)",
		MinArgs:     1,
		MaxArgs:     2,
		Fn:          checkExpiredMarkingDeadlines,
	},
	{
		Name:        "check_tutorial_only_credit_card",
		Description: "True when the cart holds only tutorials (items, params.payment_method)",
		MinArgs:     1,
		MaxArgs:     2,
		Fn:          checkTutorialOnlyCreditCard,
	},
}

// NewDefault returns a frozen registry holding Builtins.
func NewDefault(opts ...Option) *Registry {
	r := NewRegistry(opts...)
	for _, def := range Builtins {
		r.MustRegister(def)
	}
	r.Freeze()
	return r
}
