package storage

import (
	"errors"
	"testing"
)

func strPtr(s string) *string { return &s }

func TestInsertProduct_Conflicts(t *testing.T) {
	s := openTestStore(t)

	price := 12.5
	p := Product{
		ID:              "p1",
		StagedProductID: "s1",
		Source:          "shop",
		SourceID:        "sku-1",
		IdentityKey:     "acme|hydrating serum",
		Name:            "Hydrating Serum",
		Brand:           "Acme",
		Category:        "serum",
		Price:           &price,
		IngredientsRaw:  strPtr("Aqua, Glycerin"),
	}
	inserted, err := s.InsertProduct(p)
	if err != nil || !inserted {
		t.Fatalf("InsertProduct = %v, %v; want true", inserted, err)
	}

	// Same identity from a different staged row is rejected.
	dup := p
	dup.ID, dup.StagedProductID = "p2", "s2"
	inserted, err = s.InsertProduct(dup)
	if err != nil {
		t.Fatalf("InsertProduct(dup): %v", err)
	}
	if inserted {
		t.Error("product with existing identity key was inserted")
	}

	// Same staged row cannot produce two products.
	again := p
	again.ID, again.IdentityKey = "p3", "acme|other"
	inserted, err = s.InsertProduct(again)
	if err != nil {
		t.Fatalf("InsertProduct(again): %v", err)
	}
	if inserted {
		t.Error("second product for the same staged row was inserted")
	}

	got, err := s.FindProductByIdentity("acme|hydrating serum")
	if err != nil {
		t.Fatalf("FindProductByIdentity: %v", err)
	}
	if got.ID != "p1" || got.Price == nil || *got.Price != 12.5 || got.IngredientsRaw == nil {
		t.Errorf("product = %+v", got)
	}
	if got.Metadata != "{}" {
		t.Errorf("Metadata = %q, want {}", got.Metadata)
	}

	if _, err := s.FindProductByStagedID("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("FindProductByStagedID(missing) error = %v, want ErrNotFound", err)
	}
}

func TestProductsAwaitingLinks(t *testing.T) {
	s := openTestStore(t)
	mk := func(id string, raw *string) {
		t.Helper()
		if _, err := s.InsertProduct(Product{ID: id, StagedProductID: "s-" + id, IdentityKey: id, Name: id, IngredientsRaw: raw}); err != nil {
			t.Fatalf("InsertProduct(%s): %v", id, err)
		}
	}
	mk("with", strPtr("Aqua"))
	mk("blank", strPtr("   "))
	mk("none", nil)
	mk("done", strPtr("Aqua"))
	if err := s.SetLinkOutcome("done", LinkLinked, ""); err != nil {
		t.Fatalf("SetLinkOutcome: %v", err)
	}

	got, err := s.ProductsAwaitingLinks(10)
	if err != nil {
		t.Fatalf("ProductsAwaitingLinks: %v", err)
	}
	if len(got) != 1 || got[0].ID != "with" {
		t.Errorf("awaiting = %+v, want only 'with'", got)
	}
	n, err := s.CountProductsAwaitingLinks()
	if err != nil || n != 1 {
		t.Errorf("CountProductsAwaitingLinks = %d, %v; want 1", n, err)
	}

	done, _ := s.GetProduct("done")
	if done.LinkStatus != LinkLinked || done.LinkedAt.IsZero() {
		t.Errorf("done = %+v", done)
	}
}

func TestInsertIngredientIfNew_FindOrCreate(t *testing.T) {
	s := openTestStore(t)

	first, created, err := s.InsertIngredientIfNew(Ingredient{ID: "i1", NormalizedName: "niacinamide", INCIName: "Niacinamide"})
	if err != nil || !created {
		t.Fatalf("first insert = %v, %v; want created", created, err)
	}
	second, created, err := s.InsertIngredientIfNew(Ingredient{ID: "i2", NormalizedName: "niacinamide", INCIName: "NIACINAMIDE"})
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if created {
		t.Error("second insert with same normalized name reported created")
	}
	if second.ID != first.ID || second.INCIName != "Niacinamide" {
		t.Errorf("second = %+v, want existing row %+v", second, first)
	}
	if first.Functions != "[]" {
		t.Errorf("Functions default = %q, want []", first.Functions)
	}

	keys, err := s.IngredientKeys()
	if err != nil {
		t.Fatalf("IngredientKeys: %v", err)
	}
	if len(keys) != 1 || keys["niacinamide"] != "i1" {
		t.Errorf("keys = %v", keys)
	}
}

func TestInsertLink_Idempotent(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.InsertProduct(Product{ID: "p1", StagedProductID: "s1", IdentityKey: "k", Name: "n"}); err != nil {
		t.Fatalf("InsertProduct: %v", err)
	}
	if _, _, err := s.InsertIngredientIfNew(Ingredient{ID: "i1", NormalizedName: "aqua", INCIName: "Aqua"}); err != nil {
		t.Fatalf("InsertIngredientIfNew: %v", err)
	}

	link := ProductIngredient{ProductID: "p1", IngredientID: "i1", Position: 0, MatchKind: "exact", RawToken: "Aqua"}
	inserted, err := s.InsertLink(link)
	if err != nil || !inserted {
		t.Fatalf("InsertLink = %v, %v", inserted, err)
	}
	inserted, err = s.InsertLink(link)
	if err != nil {
		t.Fatalf("InsertLink(again): %v", err)
	}
	if inserted {
		t.Error("duplicate link reported inserted")
	}

	links, err := s.ListLinks("p1")
	if err != nil || len(links) != 1 {
		t.Fatalf("ListLinks = %+v, %v", links, err)
	}
	linked, err := s.LinkedIngredientIDs("p1")
	if err != nil || !linked["i1"] {
		t.Errorf("LinkedIngredientIDs = %v, %v", linked, err)
	}
	n, err := s.CountProductsWithIngredient("i1")
	if err != nil || n != 1 {
		t.Errorf("CountProductsWithIngredient = %d, %v", n, err)
	}
}
