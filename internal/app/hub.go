package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/petervdpas/huddle/internal/auth"
	"github.com/petervdpas/huddle/internal/config"
	"github.com/petervdpas/huddle/internal/hub"
	"github.com/petervdpas/huddle/internal/util"
)

// HubOptions configure `huddle serve`. Secrets come from the environment.
type HubOptions struct {
	Dir     string
	CfgPath string
	Cfg     config.Config

	JWTSecret   string
	S3AccessKey string
	S3SecretKey string
}

// RunHub serves the hub until ctx is cancelled.
func RunHub(ctx context.Context, o HubOptions) error {
	cfg := o.Cfg
	SetLogLevel(cfg.Log.Level)
	logBanner(o.Dir, o.CfgPath)

	tokens, err := auth.NewTokenService(o.JWTSecret, cfg.Server.TokenTTL())
	if err != nil {
		return fmt.Errorf("jwt secret: %w", err)
	}

	dbPath := util.ResolvePath(o.Dir, cfg.Server.DBPath)
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return err
	}
	db, err := hub.OpenDB(dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	var uploads *hub.Uploads
	if cfg.Storage.Bucket != "" {
		uploads, err = hub.NewUploads(ctx, hub.StorageOptions{
			Endpoint:  cfg.Storage.Endpoint,
			Region:    cfg.Storage.Region,
			Bucket:    cfg.Storage.Bucket,
			AccessKey: o.S3AccessKey,
			SecretKey: o.S3SecretKey,
			Expires:   cfg.Storage.Expires(),
		})
		if err != nil {
			return err
		}
		log.Infof("image uploads go to bucket %s", cfg.Storage.Bucket)
	} else {
		log.Warnf("storage.bucket not set, image sharing disabled")
	}

	srv, err := hub.New(hub.Options{
		Addr:       cfg.Server.Addr,
		AppKey:     cfg.Hub.AppKey,
		Tokens:     tokens,
		Hasher:     auth.NewHasher(),
		DB:         db,
		Uploads:    uploads,
		WriteRate:  cfg.Server.WriteRate,
		WriteBurst: cfg.Server.WriteBurst,
	})
	if err != nil {
		return err
	}
	if err := srv.Start(ctx); err != nil {
		return err
	}
	log.Infof("hub ready at %s (metrics at %s/metrics)", srv.URL(), srv.URL())

	<-ctx.Done()
	log.Infof("hub stopping")
	return nil
}
