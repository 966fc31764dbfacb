// internal/functions/vat.go
package functions

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/cockroachdb/apd/v3"

	"github.com/solatis/tollgate/internal/types"
)

/*
 * VAT computation.
 *
 * All money is apd decimal, rounded ROUND_HALF_UP to 2 dp, and rendered as
 * fixed-point strings ("10.00") so amounts survive JSON round trips without
 * float drift. Rates render with at least 2 dp ("0.20", "0.135").
 *
 * Region mapping: GB/UK -> UK, IE -> IE, other EU member states -> EU,
 * ZA -> SA, anything else (including an empty country) -> ROW. Rates are
 * per region; callers may override them through params.rates.
 *
 * Item shape: net amount from "net", else "price" * "quantity" (quantity
 * defaults to 1). Identity from "id", else "product_code", else the item
 * index. Items with "vat_exempt": true are charged at rate 0.
 */

// VAT regions.
const (
	RegionUK  = "UK"
	RegionIE  = "IE"
	RegionEU  = "EU"
	RegionSA  = "SA"
	RegionROW = "ROW"
)

var decimalCtx = func() *apd.Context {
	c := apd.BaseContext.WithPrecision(34)
	c.Rounding = apd.RoundHalfUp
	return c
}()

var euMembers = map[string]bool{
	"AT": true, "BE": true, "BG": true, "HR": true, "CY": true, "CZ": true,
	"DK": true, "EE": true, "FI": true, "FR": true, "DE": true, "GR": true,
	"HU": true, "IT": true, "LV": true, "LT": true, "LU": true, "MT": true,
	"NL": true, "PL": true, "PT": true, "RO": true, "SK": true, "SI": true,
	"ES": true, "SE": true,
}

// DefaultRates maps region to its standard VAT rate.
var DefaultRates = map[string]string{
	RegionUK:  "0.20",
	RegionIE:  "0.23",
	RegionEU:  "0.20",
	RegionSA:  "0.15",
	RegionROW: "0.00",
}

// LookupRegion maps an ISO country code to its VAT region.
func LookupRegion(country string) string {
	code := strings.ToUpper(strings.TrimSpace(country))
	switch {
	case code == "GB" || code == "UK":
		return RegionUK
	case code == "IE":
		return RegionIE
	case euMembers[code]:
		return RegionEU
	case code == "ZA":
		return RegionSA
	default:
		return RegionROW
	}
}

// LookupVATRate returns the standard rate for country's region.
func LookupVATRate(country string) *apd.Decimal {
	rate, _, _ := apd.NewFromString(DefaultRates[LookupRegion(country)])
	return rate
}

// ParseDecimal converts a JSON number or numeric string to a decimal.
func ParseDecimal(v any) (*apd.Decimal, error) {
	var s string
	switch n := v.(type) {
	case string:
		s = strings.TrimSpace(n)
	case float64:
		s = strconv.FormatFloat(n, 'f', -1, 64)
	case int:
		s = strconv.Itoa(n)
	case int64:
		s = strconv.FormatInt(n, 10)
	case json.Number:
		s = n.String()
	case nil:
		return nil, fmt.Errorf("%w: missing amount", types.ErrTypeMismatch)
	default:
		return nil, fmt.Errorf("%w: %T is not a decimal", types.ErrTypeMismatch, v)
	}
	d, _, err := apd.NewFromString(s)
	if err != nil || d.Form != apd.Finite {
		return nil, fmt.Errorf("%w: %q is not a decimal", types.ErrTypeMismatch, s)
	}
	return d, nil
}

// Round2 rounds d to 2 dp, half up.
func Round2(d *apd.Decimal) (*apd.Decimal, error) {
	out := new(apd.Decimal)
	if _, err := decimalCtx.Quantize(out, d, -2); err != nil {
		return nil, err
	}
	return out, nil
}

// FormatMoney renders d with exactly 2 dp.
func FormatMoney(d *apd.Decimal) string {
	r, err := Round2(d)
	if err != nil {
		return d.Text('f')
	}
	return r.Text('f')
}

// FormatRate renders a rate with at least 2 dp, keeping finer precision.
func FormatRate(d *apd.Decimal) string {
	if d.Exponent < -2 {
		return d.Text('f')
	}
	return FormatMoney(d)
}

// CalculateVATAmount returns net * rate rounded half up to 2 dp.
func CalculateVATAmount(net, rate *apd.Decimal) (*apd.Decimal, error) {
	product := new(apd.Decimal)
	if _, err := decimalCtx.Mul(product, net, rate); err != nil {
		return nil, err
	}
	return Round2(product)
}

// VATLine is the per-item VAT result.
type VATLine struct {
	ID        string `json:"id"`
	Net       string `json:"net"`
	VATAmount string `json:"vat_amount"`
	VATRate   string `json:"vat_rate"`
}

// VATTotals sums a VAT computation.
type VATTotals struct {
	Net   string `json:"net"`
	VAT   string `json:"vat"`
	Gross string `json:"gross"`
}

// VATResult is the output of calculate_vat_standard.
type VATResult struct {
	Items   []VATLine `json:"items"`
	Totals  VATTotals `json:"totals"`
	Region  string    `json:"region"`
	Country string    `json:"country,omitempty"`
	Rate    string    `json:"rate"`
}

// Map renders the result as a JSON-shaped value for the updates aggregator.
func (r VATResult) Map() map[string]any {
	items := make([]any, len(r.Items))
	for i, line := range r.Items {
		items[i] = map[string]any{
			"id":         line.ID,
			"net":        line.Net,
			"vat_amount": line.VATAmount,
			"vat_rate":   line.VATRate,
		}
	}
	out := map[string]any{
		"items": items,
		"totals": map[string]any{
			"net":   r.Totals.Net,
			"vat":   r.Totals.VAT,
			"gross": r.Totals.Gross,
		},
		"region": r.Region,
		"rate":   r.Rate,
	}
	if r.Country != "" {
		out["country"] = r.Country
	}
	return out
}

// StandardVAT computes VAT over items. params accepts "country" and "rates"
// (region -> rate override).
func StandardVAT(items []any, params map[string]any) (VATResult, error) {
	country, _ := params["country"].(string)
	region := LookupRegion(country)

	rateText := DefaultRates[region]
	if overrides, ok := params["rates"].(map[string]any); ok {
		if v, ok := overrides[region]; ok {
			rateText = fmt.Sprint(v)
		}
	}
	rate, err := ParseDecimal(rateText)
	if err != nil {
		return VATResult{}, fmt.Errorf("rate for %s: %w", region, err)
	}
	zero := apd.New(0, 0)

	result := VATResult{
		Items:   make([]VATLine, 0, len(items)),
		Region:  region,
		Country: strings.ToUpper(country),
		Rate:    FormatRate(rate),
	}

	netTotal := apd.New(0, 0)
	vatTotal := apd.New(0, 0)
	for i, raw := range items {
		item, ok := raw.(map[string]any)
		if !ok {
			return VATResult{}, fmt.Errorf("%w: item %d is %T", types.ErrTypeMismatch, i, raw)
		}

		net, err := itemNet(item)
		if err != nil {
			return VATResult{}, fmt.Errorf("item %d: %w", i, err)
		}
		net, err = Round2(net)
		if err != nil {
			return VATResult{}, err
		}

		itemRate := rate
		if exempt, _ := item["vat_exempt"].(bool); exempt {
			itemRate = zero
		}
		amount, err := CalculateVATAmount(net, itemRate)
		if err != nil {
			return VATResult{}, err
		}

		if _, err := decimalCtx.Add(netTotal, netTotal, net); err != nil {
			return VATResult{}, err
		}
		if _, err := decimalCtx.Add(vatTotal, vatTotal, amount); err != nil {
			return VATResult{}, err
		}

		result.Items = append(result.Items, VATLine{
			ID:        itemID(item, i),
			Net:       FormatMoney(net),
			VATAmount: FormatMoney(amount),
			VATRate:   FormatRate(itemRate),
		})
	}

	gross := new(apd.Decimal)
	if _, err := decimalCtx.Add(gross, netTotal, vatTotal); err != nil {
		return VATResult{}, err
	}
	result.Totals = VATTotals{
		Net:   FormatMoney(netTotal),
		VAT:   FormatMoney(vatTotal),
		Gross: FormatMoney(gross),
	}
	return result, nil
}

func itemNet(item map[string]any) (*apd.Decimal, error) {
	if v, ok := item["net"]; ok && v != nil {
		return ParseDecimal(v)
	}
	price, err := ParseDecimal(item["price"])
	if err != nil {
		return nil, err
	}
	qty := apd.New(1, 0)
	if v, ok := item["quantity"]; ok && v != nil {
		if qty, err = ParseDecimal(v); err != nil {
			return nil, err
		}
	}
	out := new(apd.Decimal)
	if _, err := decimalCtx.Mul(out, price, qty); err != nil {
		return nil, err
	}
	return out, nil
}

func itemID(item map[string]any, index int) string {
	for _, key := range []string{"id", "product_code"} {
		if v, ok := item[key]; ok && v != nil {
			switch t := v.(type) {
			case string:
				return t
			case float64:
				return strconv.FormatFloat(t, 'f', -1, 64)
			default:
				return fmt.Sprint(t)
			}
		}
	}
	return strconv.Itoa(index)
}

func calculateVATStandard(_ context.Context, args []any) (any, error) {
	items, err := itemsArg(args[0])
	if err != nil {
		return nil, err
	}
	params, err := paramsArg(args, 1)
	if err != nil {
		return nil, err
	}
	res, err := StandardVAT(items, params)
	if err != nil {
		return nil, err
	}
	return res.Map(), nil
}

func lookupRegion(_ context.Context, args []any) (any, error) {
	country, _ := args[0].(string)
	return LookupRegion(country), nil
}

func lookupVATRate(_ context.Context, args []any) (any, error) {
	country, _ := args[0].(string)
	return FormatRate(LookupVATRate(country)), nil
}

func calculateVATAmount(_ context.Context, args []any) (any, error) {
	net, err := ParseDecimal(args[0])
	if err != nil {
		return nil, fmt.Errorf("net: %w", err)
	}
	rate, err := ParseDecimal(args[1])
	if err != nil {
		return nil, fmt.Errorf("rate: %w", err)
	}
	amount, err := CalculateVATAmount(net, rate)
	if err != nil {
		return nil, err
	}
	return FormatMoney(amount), nil
}

// itemsArg accepts an item list or null (empty cart).
func itemsArg(v any) ([]any, error) {
	switch items := v.(type) {
	case nil:
		return nil, nil
	case []any:
		return items, nil
	default:
		return nil, fmt.Errorf("%w: items must be an array, got %T", types.ErrTypeMismatch, v)
	}
}

// paramsArg returns args[i] as an object; absent or null is empty.
func paramsArg(args []any, i int) (map[string]any, error) {
	if len(args) <= i || args[i] == nil {
		return map[string]any{}, nil
	}
	params, ok := args[i].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: params must be an object, got %T", types.ErrTypeMismatch, args[i])
	}
	return params, nil
}
