package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"time"

	"till/internal/model"
)

func main() {
	var count int
	var outputFile string
	flag.IntVar(&count, "count", 50, "number of products to generate")
	flag.StringVar(&outputFile, "output", "products.jsonl", "output file")
	flag.Parse()

	if err := generateCatalog(count, outputFile); err != nil {
		log.Fatalf("generation failed: %v", err)
	}
}

func generateCatalog(count int, outputFile string) error {
	file, err := os.Create(outputFile)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	defer file.Close()

	names := []string{"Mineral Water", "Instant Noodles", "Green Tea", "Rice 5kg", "Cooking Oil", "Sugar 1kg", "Coffee Pack", "Fish Sauce"}
	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))

	enc := json.NewEncoder(file)
	for i := 0; i < count; i++ {
		entry := model.CatalogEntry{
			ID:        int64(i + 1),
			Code:      fmt.Sprintf("SP%03d", i+1),
			Name:      fmt.Sprintf("%s %d", names[rnd.Intn(len(names))], i+1),
			UnitPrice: int64(5000 + rnd.Intn(45)*1000), // 5000-49000
			Quantity:  int64(rnd.Intn(200)),
		}
		if err := enc.Encode(&entry); err != nil {
			return fmt.Errorf("encode product %d: %w", i+1, err)
		}
	}

	log.Printf("generated %d products to %s", count, outputFile)
	return nil
}
