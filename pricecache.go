package tillsync

import (
	"sort"
	"sync"
	"time"
)

// Rule scopes, in decreasing specificity. The values are the remote
// authority's applied_on markers.
const (
	ruleScopeProduct  = "0_product_variant"
	ruleScopeTemplate = "1_product"
	ruleScopeCategory = "2_product_category"
	ruleScopeGlobal   = "3_global"
)

// PriceRule is one pricing rule extracted from a pricelist item record.
type PriceRule struct {
	ID           int64
	PricelistID  int64
	AppliedOn    string
	ProductID    int64
	TemplateID   int64
	CategoryID   int64
	MinQuantity  float64
	ComputePrice string
	FixedPrice   float64
	PercentPrice float64
	DateStart    time.Time
	DateEnd      time.Time
}

// appliesAt reports whether the rule is active for the given quantity
// and time.
func (r PriceRule) appliesAt(qty float64, now time.Time) bool {
	if r.MinQuantity > qty {
		return false
	}
	if !r.DateStart.IsZero() && now.Before(r.DateStart) {
		return false
	}
	if !r.DateEnd.IsZero() && now.After(r.DateEnd) {
		return false
	}
	return true
}

// pricelistIndex partitions one pricelist's rules by scope so a lookup
// touches only the rules that could match.
type pricelistIndex struct {
	productItems  map[int64][]PriceRule
	templateItems map[int64][]PriceRule
	categoryItems map[int64][]PriceRule
	globalItems   []PriceRule
}

func newPricelistIndex() *pricelistIndex {
	return &pricelistIndex{
		productItems:  make(map[int64][]PriceRule),
		templateItems: make(map[int64][]PriceRule),
		categoryItems: make(map[int64][]PriceRule),
	}
}

// PriceCache is a derived index over pricelist rules. It is rebuilt
// from the catalog after bulk loads and delta batches that touch
// pricing entities, and read on every price lookup at the till.
type PriceCache struct {
	mu          sync.RWMutex
	byPricelist map[int64]*pricelistIndex
	generation  uint64
}

// NewPriceCache creates an empty price cache.
func NewPriceCache() *PriceCache {
	return &PriceCache{
		byPricelist: make(map[int64]*pricelistIndex),
	}
}

// Rebuild recomputes the whole index from the catalog's pricelist item
// records. The new index is swapped in atomically; concurrent lookups
// see either the old or the new generation, never a partial one.
func (pc *PriceCache) Rebuild(catalog *Catalog) {
	next := make(map[int64]*pricelistIndex)

	for _, rec := range catalog.All(EntityPricelistItem) {
		rule, ok := ruleFromRecord(rec)
		if !ok {
			continue
		}
		idx, ok := next[rule.PricelistID]
		if !ok {
			idx = newPricelistIndex()
			next[rule.PricelistID] = idx
		}
		switch rule.AppliedOn {
		case ruleScopeProduct:
			idx.productItems[rule.ProductID] = append(idx.productItems[rule.ProductID], rule)
		case ruleScopeTemplate:
			idx.templateItems[rule.TemplateID] = append(idx.templateItems[rule.TemplateID], rule)
		case ruleScopeCategory:
			idx.categoryItems[rule.CategoryID] = append(idx.categoryItems[rule.CategoryID], rule)
		case ruleScopeGlobal:
			idx.globalItems = append(idx.globalItems, rule)
		}
	}

	for _, idx := range next {
		for _, rules := range idx.productItems {
			sortRules(rules)
		}
		for _, rules := range idx.templateItems {
			sortRules(rules)
		}
		for _, rules := range idx.categoryItems {
			sortRules(rules)
		}
		sortRules(idx.globalItems)
	}

	pc.mu.Lock()
	pc.byPricelist = next
	pc.generation++
	pc.mu.Unlock()
}

// sortRules orders rules so the first active match wins: highest
// minimum quantity first, rule id ascending on ties.
func sortRules(rules []PriceRule) {
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].MinQuantity != rules[j].MinQuantity {
			return rules[i].MinQuantity > rules[j].MinQuantity
		}
		return rules[i].ID < rules[j].ID
	})
}

// ruleFromRecord extracts a PriceRule from a pricelist item record.
// Records without a pricelist reference are not indexable.
func ruleFromRecord(rec CatalogRecord) (PriceRule, bool) {
	pricelistID, ok := rec.FieldInt64("pricelist_id")
	if !ok || pricelistID <= 0 {
		return PriceRule{}, false
	}
	rule := PriceRule{
		ID:           rec.ID,
		PricelistID:  pricelistID,
		AppliedOn:    rec.FieldString("applied_on"),
		ComputePrice: rec.FieldString("compute_price"),
	}
	rule.ProductID, _ = rec.FieldInt64("product_id")
	rule.TemplateID, _ = rec.FieldInt64("product_tmpl_id")
	rule.CategoryID, _ = rec.FieldInt64("categ_id")
	rule.MinQuantity, _ = rec.FieldFloat("min_quantity")
	rule.FixedPrice, _ = rec.FieldFloat("fixed_price")
	rule.PercentPrice, _ = rec.FieldFloat("percent_price")
	if s := rec.FieldString("date_start"); s != "" {
		if t, err := time.Parse(TimeLayout, s); err == nil {
			rule.DateStart = t
		}
	}
	if s := rec.FieldString("date_end"); s != "" {
		if t, err := time.Parse(TimeLayout, s); err == nil {
			rule.DateEnd = t
		}
	}
	return rule, true
}

// Generation returns the rebuild counter, letting callers detect a
// stale snapshot cheaply.
func (pc *PriceCache) Generation() uint64 {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	return pc.generation
}

// PriceResolution describes how a price was determined.
type PriceResolution struct {
	Price    float64
	RuleID   int64
	Scope    string
	Fallback bool
}

// ResolvePrice computes the unit price of a product on a pricelist for
// a given quantity. Scopes are tried from most to least specific:
// product variant, template, category chain, global. Within a scope the
// active rule with the highest minimum quantity wins, lowest rule id on
// ties. Without a matching rule the product's list price applies.
func (pc *PriceCache) ResolvePrice(catalog *Catalog, productID, pricelistID int64, qty float64, now time.Time) PriceResolution {
	product, ok := catalog.Get(EntityProduct, productID)
	listPrice := 0.0
	templateID := int64(0)
	categoryID := int64(0)
	if ok {
		listPrice, _ = product.FieldFloat("lst_price")
		if listPrice == 0 {
			listPrice, _ = product.FieldFloat("list_price")
		}
		templateID, _ = product.FieldInt64("product_tmpl_id")
		categoryID, _ = product.FieldInt64("categ_id")
		if categoryID == 0 && templateID != 0 {
			if tmpl, ok := catalog.Get(EntityTemplate, templateID); ok {
				categoryID, _ = tmpl.FieldInt64("categ_id")
			}
		}
	}

	pc.mu.RLock()
	idx := pc.byPricelist[pricelistID]
	pc.mu.RUnlock()

	if idx == nil {
		return PriceResolution{Price: listPrice, Fallback: true}
	}

	if rule, ok := firstActive(idx.productItems[productID], qty, now); ok {
		return resolved(rule, listPrice)
	}
	if templateID != 0 {
		if rule, ok := firstActive(idx.templateItems[templateID], qty, now); ok {
			return resolved(rule, listPrice)
		}
	}
	for _, catID := range categoryChain(catalog, categoryID) {
		if rule, ok := firstActive(idx.categoryItems[catID], qty, now); ok {
			return resolved(rule, listPrice)
		}
	}
	if rule, ok := firstActive(idx.globalItems, qty, now); ok {
		return resolved(rule, listPrice)
	}
	return PriceResolution{Price: listPrice, Fallback: true}
}

// firstActive returns the first rule active for qty and now. Rules are
// pre-sorted so the first match is the winner.
func firstActive(rules []PriceRule, qty float64, now time.Time) (PriceRule, bool) {
	for _, rule := range rules {
		if rule.appliesAt(qty, now) {
			return rule, true
		}
	}
	return PriceRule{}, false
}

// resolved applies a rule's compute mode to the list price.
func resolved(rule PriceRule, listPrice float64) PriceResolution {
	price := listPrice
	switch rule.ComputePrice {
	case "fixed":
		price = rule.FixedPrice
	case "percentage":
		price = listPrice * (1 - rule.PercentPrice/100)
	}
	return PriceResolution{
		Price:  price,
		RuleID: rule.ID,
		Scope:  rule.AppliedOn,
	}
}

// categoryChain walks a product category and its ancestors, most
// specific first. Cycles in parent references terminate the walk.
func categoryChain(catalog *Catalog, categoryID int64) []int64 {
	var chain []int64
	seen := make(map[int64]bool)
	for categoryID > 0 && !seen[categoryID] {
		seen[categoryID] = true
		chain = append(chain, categoryID)
		rec, ok := catalog.Get(EntityProductCategory, categoryID)
		if !ok {
			break
		}
		categoryID, _ = rec.FieldInt64("parent_id")
	}
	return chain
}
