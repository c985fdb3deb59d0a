package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/htung0403/crm-web-sub002/internal/config"
	"github.com/htung0403/crm-web-sub002/internal/domain"
	"github.com/htung0403/crm-web-sub002/internal/repo"
)

// ResolveShopAndConfig picks the active shop and ensures a shop + config exist
// in the DB, seeding defaults if missing. It prefers the override, then the
// single-shop workspace. A missing shop is created on the fly.
func ResolveShopAndConfig(ctx context.Context, shopOverride string, r repo.Repo) (string, *config.Config, error) {
	shopID := shopOverride
	if shopID == "" {
		if s, err := r.SingleShop(ctx); err == nil {
			shopID = s.ID
		} else {
			return "", nil, fmt.Errorf("shop not specified; use --shop")
		}
	}
	seedCfg := config.Default(shopID)

	if _, err := r.GetShop(ctx, shopID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if err := createShop(ctx, r, shopID, seedCfg); err != nil {
			return "", nil, err
		}
	}
	cfg, err := r.GetShopConfig(ctx, shopID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			if err := r.UpsertShopConfig(ctx, shopID, seedCfg); err != nil {
				return "", nil, fmt.Errorf("seed shop config: %w", err)
			}
			cfg = seedCfg
		} else {
			return "", nil, err
		}
	}
	cfg.Shop.ID = shopID
	return shopID, cfg, nil
}

func createShop(ctx context.Context, r repo.Repo, shopID string, seedCfg *config.Config) error {
	if seedCfg == nil {
		seedCfg = config.Default(shopID)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	s := domain.Shop{
		ID:        shopID,
		Kind:      "service-shop",
		Status:    "active",
		CreatedAt: now,
	}
	if err := r.InsertShop(ctx, tx, s); err != nil {
		return fmt.Errorf("insert shop: %w", err)
	}
	if err := r.UpsertShopConfigTx(ctx, tx, shopID, seedCfg); err != nil {
		return fmt.Errorf("insert shop config: %w", err)
	}
	return tx.Commit()
}
