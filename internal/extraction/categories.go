package extraction

// Categories is the closed set the extractor is allowed to pick from. The
// last entry doubles as the fallback for placeholder expenses.
var Categories = []string{
	"Meals",
	"Travel",
	"Groceries",
	"Office Supplies",
	"Software",
	"Utilities",
	"Entertainment",
	"Healthcare",
	"Services",
	"Miscellaneous",
}

// FallbackCategory returns the catch-all category.
func FallbackCategory() string {
	return Categories[len(Categories)-1]
}

// IsValidCategory reports whether category belongs to the closed set.
func IsValidCategory(category string) bool {
	for _, c := range Categories {
		if c == category {
			return true
		}
	}
	return false
}
