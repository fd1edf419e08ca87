// Example usage of the PoloDB storage engine.
// Demonstrates create_collection, insert, find, update, an index and a
// rolled-back transaction.
package main

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/polodb/polodb-go/api"
	"github.com/polodb/polodb-go/bson"
)

func main() {
	const dbPath = "example.db"
	defer os.Remove(dbPath)
	defer os.Remove(dbPath + ".journal")

	db, err := api.Open(dbPath)
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	fmt.Println("=== PoloDB storage engine — example usage ===")
	fmt.Println()

	if err := db.CreateCollection("jobs"); err != nil {
		log.Fatalf("create collection: %v", err)
	}

	fmt.Println("--- insert ---")
	rows := []struct {
		typ     string
		retry   int64
		enabled bool
	}{
		{"oracle", 5, true},
		{"mysql", 2, true},
		{"postgres", 0, false},
		{"oracle", 8, true},
		{"mysql", 1, false},
	}
	for _, r := range rows {
		doc := bson.NewDocument()
		doc.Set("type", bson.String(r.typ))
		doc.Set("retry", bson.Int(r.retry))
		doc.Set("enabled", bson.Boolean(r.enabled))
		inserted, err := db.Insert("jobs", doc)
		if err != nil {
			log.Fatalf("insert: %v", err)
		}
		pk, _ := inserted.PrimaryKey()
		fmt.Printf("  inserted %s\n", pk.String())
	}
	fmt.Println()

	fmt.Println("--- find_all ---")
	printDocs(db.FindAll("jobs"))

	fmt.Println(`--- find {type: "oracle"} ---`)
	oracleFilter := bson.NewDocument()
	oracleFilter.Set("type", bson.String("oracle"))
	printDocs(db.Find("jobs", oracleFilter))

	fmt.Println(`--- update {type: "postgres"} -> retry=99 ---`)
	pgFilter := bson.NewDocument()
	pgFilter.Set("type", bson.String("postgres"))
	update := bson.NewDocument()
	update.Set("retry", bson.Int(99))
	n, err := db.Update("jobs", pgFilter, update)
	if err != nil {
		log.Fatalf("update: %v", err)
	}
	fmt.Printf("  rows updated: %d\n\n", n)

	fmt.Println(`--- create_index on "type" (unique=false) ---`)
	if err := db.CreateIndex("jobs", "type", api.IndexOptions{}); err != nil {
		log.Fatalf("create index: %v", err)
	}
	fmt.Println("  index created")
	fmt.Println()

	fmt.Println(`--- find {type: "mysql"} via index ---`)
	mysqlFilter := bson.NewDocument()
	mysqlFilter.Set("type", bson.String("mysql"))
	printDocs(db.Find("jobs", mysqlFilter))

	fmt.Println("--- collections ---")
	names, err := db.ListCollectionNames()
	if err != nil {
		log.Fatalf("list collections: %v", err)
	}
	for _, name := range names {
		fmt.Printf("  - %s\n", name)
	}
	fmt.Println()

	fmt.Println("--- explicit transaction, rolled back ---")
	if err := db.StartTransaction(); err != nil {
		log.Fatalf("start transaction: %v", err)
	}
	scratch := bson.NewDocument()
	scratch.Set("type", bson.String("scratch"))
	scratch.Set("retry", bson.Int(0))
	scratch.Set("enabled", bson.Boolean(false))
	if _, err := db.Insert("jobs", scratch); err != nil {
		log.Fatalf("insert in tx: %v", err)
	}
	if err := db.Rollback(); err != nil {
		log.Fatalf("rollback: %v", err)
	}
	count, err := db.CountDocuments("jobs")
	if err != nil {
		log.Fatalf("count: %v", err)
	}
	fmt.Printf("  documents after rollback: %d\n\n", count)

	fmt.Println("=== done ===")
}

func printDocs(docs []*bson.Document, err error) {
	if err != nil {
		log.Fatalf("query error: %v", err)
	}
	if len(docs) == 0 {
		fmt.Println("  (no results)")
	}
	for _, doc := range docs {
		pk, _ := doc.PrimaryKey()
		fmt.Printf("  [%s] %s\n", pk.String(), formatDoc(doc))
	}
	fmt.Println()
}

func formatDoc(doc *bson.Document) string {
	var sb strings.Builder
	sb.WriteByte('{')
	first := true
	for _, k := range doc.Keys() {
		if k == "_id" {
			continue
		}
		if !first {
			sb.WriteString(", ")
		}
		first = false
		v, _ := doc.Get(k)
		fmt.Fprintf(&sb, "%s=%s", k, v.String())
	}
	sb.WriteByte('}')
	return sb.String()
}
