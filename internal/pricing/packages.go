package pricing

// Package is one prepaid top-up bundle. Payment processing itself lives
// outside the bot; the catalog is shown to users and used by the admin API
// when crediting a purchase manually.
type Package struct {
	Key          string
	Name         string
	PriceRUB     int
	NC           int64
	BonusPercent int
}

// Packages in ascending price order.
var Packages = []Package{
	{Key: "handful", Name: "Горсть", PriceRUB: 100, NC: 1000, BonusPercent: 0},
	{Key: "sack", Name: "Мешок", PriceRUB: 500, NC: 5500, BonusPercent: 10},
	{Key: "chest", Name: "Сундук", PriceRUB: 1000, NC: 12000, BonusPercent: 20},
	{Key: "treasury", Name: "Казна", PriceRUB: 5000, NC: 65000, BonusPercent: 30},
}
