package workflow

import (
	"context"

	"github.com/mmdatafocus/cashback_backend/models"
	"github.com/mmdatafocus/cashback_backend/store"
)

// NetworkNode is one affiliate in a downline tree.
type NetworkNode struct {
	AffiliateId string         `json:"affiliate_id"`
	Name        string         `json:"name"`
	IsActive    bool           `json:"is_active"`
	Level       int            `json:"level"`
	Children    []*NetworkNode `json:"children"`
}

// NetworkReporter answers read-only questions about an affiliate's downline.
type NetworkReporter struct {
	Store store.Store
}

func clampDepth(maxDepth int) int {
	if maxDepth <= 0 || maxDepth > MaxCommissionLevel {
		return MaxCommissionLevel
	}
	return maxDepth
}

// LevelCounts walks the downline breadth-first and counts affiliates per depth (1 = direct referrals).
// Depths with nobody are omitted; the walk stops at maxDepth (10 when unset).
func (r *NetworkReporter) LevelCounts(ctx context.Context, affiliateId string, maxDepth int) ([]models.NetworkLevelCount, error) {
	maxDepth = clampDepth(maxDepth)
	var counts []models.NetworkLevelCount
	err := r.Store.Transaction(ctx, func(tx store.Tx) error {
		if _, err := tx.GetAffiliate(affiliateId); err != nil {
			return err
		}
		visited := map[string]bool{affiliateId: true}
		frontier := []string{affiliateId}
		for level := 1; level <= maxDepth && len(frontier) > 0; level++ {
			children, err := tx.ListDirectReferrals(frontier)
			if err != nil {
				return err
			}
			row := models.NetworkLevelCount{Level: level}
			next := make([]string, 0, len(children))
			for _, c := range children {
				if visited[c.ID] {
					continue
				}
				visited[c.ID] = true
				row.Total++
				if c.Active() {
					row.Active++
				}
				next = append(next, c.ID)
			}
			if row.Total > 0 {
				counts = append(counts, row)
			}
			frontier = next
		}
		return nil
	})
	return counts, err
}

// Tree returns the downline rooted at affiliateId, down to maxDepth levels.
func (r *NetworkReporter) Tree(ctx context.Context, affiliateId string, maxDepth int) (*NetworkNode, error) {
	maxDepth = clampDepth(maxDepth)
	var root *NetworkNode
	err := r.Store.Transaction(ctx, func(tx store.Tx) error {
		a, err := tx.GetAffiliate(affiliateId)
		if err != nil {
			return err
		}
		root = nodeOf(a, 0)
		visited := map[string]bool{a.ID: true}
		frontier := []*NetworkNode{root}
		for level := 1; level <= maxDepth && len(frontier) > 0; level++ {
			byId := make(map[string]*NetworkNode, len(frontier))
			ids := make([]string, 0, len(frontier))
			for _, n := range frontier {
				byId[n.AffiliateId] = n
				ids = append(ids, n.AffiliateId)
			}
			children, err := tx.ListDirectReferrals(ids)
			if err != nil {
				return err
			}
			var next []*NetworkNode
			for i := range children {
				c := children[i]
				if visited[c.ID] {
					continue
				}
				visited[c.ID] = true
				child := nodeOf(&c, level)
				parent := byId[c.Sponsor()]
				parent.Children = append(parent.Children, child)
				next = append(next, child)
			}
			frontier = next
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return root, nil
}

func nodeOf(a *models.Affiliate, level int) *NetworkNode {
	return &NetworkNode{
		AffiliateId: a.ID,
		Name:        a.Name,
		IsActive:    a.Active(),
		Level:       level,
		Children:    []*NetworkNode{},
	}
}
