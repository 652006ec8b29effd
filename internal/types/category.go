package types

// Category selects the cache TTL class of an answer.
type Category string

const (
	CategoryPriceLookup       Category = "price_lookup"
	CategoryStaticExplanation Category = "static_explanation"
	CategoryUserContext       Category = "user_context"
	CategoryDefault           Category = "default"
)

// ParseCategory maps a wire value to a Category; empty means default.
func ParseCategory(s string) (Category, bool) {
	switch Category(s) {
	case CategoryPriceLookup, CategoryStaticExplanation, CategoryUserContext, CategoryDefault:
		return Category(s), true
	case "":
		return CategoryDefault, true
	default:
		return "", false
	}
}
