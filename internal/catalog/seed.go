package catalog

import (
	"fmt"

	"github.com/kalambet/lookcast/internal/storage"
	"github.com/kalambet/lookcast/internal/vision"
)

// seedEntry is one hand-picked product for the fallback catalog.
type seedEntry struct {
	brand string
	name  string
	price int
}

// seedProducts is the deterministic fallback catalog used when every crawl
// source fails. It is small but covers every category so matching never
// runs against an empty index.
var seedProducts = map[string][]seedEntry{
	"top": {
		{"Uniqlo", "Airism Cotton Crew Neck Tee", 14900},
		{"Covernat", "Heavyweight Logo Sweatshirt", 45000},
		{"Musinsa Standard", "Oxford Button Down Shirt", 29900},
		{"Thisisneverthat", "Striped Long Sleeve", 39000},
	},
	"bottom": {
		{"Musinsa Standard", "Wide Tapered Chino Pants", 35900},
		{"Levi's", "501 Straight Denim", 89000},
		{"Spao", "Cool Tech Jogger Pants", 24900},
		{"Partimento", "Pleated Wool Slacks", 52000},
	},
	"outer": {
		{"Covernat", "Fleece Zip-Up Jacket", 79000},
		{"Musinsa Standard", "Single Trench Coat", 129000},
		{"Nautica", "Light Windbreaker", 69000},
	},
	"shoes": {
		{"Converse", "Chuck 70 Classic High", 85000},
		{"New Balance", "993 Grey Sneaker", 199000},
		{"Dr. Martens", "1461 3-Eye Shoe", 178000},
	},
	"bag": {
		{"Musinsa Standard", "Minimal Crossbody Bag", 32900},
		{"Eastpak", "Padded Pak'r Backpack", 89000},
	},
}

// SeedCatalog returns the fallback products, text-embedded so they are
// immediately rankable. Product IDs are stable across runs.
func SeedCatalog() []storage.CatalogProduct {
	var products []storage.CatalogProduct
	for _, category := range CategoryPriority {
		for i, e := range seedProducts[category] {
			id := fmt.Sprintf("seed-%s-%d", category, i+1)
			products = append(products, storage.CatalogProduct{
				ProductID:  id,
				Category:   category,
				Brand:      e.brand,
				Name:       e.name,
				Price:      e.price,
				ProductURL: fmt.Sprintf("https://www.musinsa.com/search/goods?keyword=%s", id),
				Embedding:  vision.EmbedText(category + " " + e.brand + " " + e.name),
			})
		}
	}
	return products
}
