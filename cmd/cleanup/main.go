package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/qs3c/karaoke_go_server/config"
	"github.com/qs3c/karaoke_go_server/internal/archive"
	"github.com/qs3c/karaoke_go_server/internal/database"
	"github.com/qs3c/karaoke_go_server/internal/model"
	"github.com/qs3c/karaoke_go_server/internal/repository"
)

var (
	dryRun         = flag.Bool("dry-run", true, "Dry run mode, don't actually delete anything")
	retentionHours = flag.Int("retention", 0, "Override retention window in hours (0 = use config)")
	reapStuck      = flag.Bool("reap-stuck", true, "Fail jobs stuck in processing states")
	stuckAfter     = flag.Int("stuck-after", 60, "Minutes after which a silent processing job counts as stuck")
)

func main() {
	flag.Parse()

	log.Println("🧹 Starting cleanup task...")
	log.Printf("Mode: dry-run=%v", *dryRun)

	// 加载配置
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	retention := cfg.Cleanup.RetentionWindow()
	if *retentionHours > 0 {
		retention = time.Duration(*retentionHours) * time.Hour
	}

	rdb, err := database.NewRedis(&cfg.Redis)
	if err != nil {
		log.Fatalf("Failed to connect redis: %v", err)
	}

	repo := repository.NewJobRepository(rdb, retention+cfg.Processing.JobTimeout())
	ctx := context.Background()

	reaped := 0
	expired := 0
	var freedSize int64

	// 1. 把卡死的处理中任务落成 FAILED
	if *reapStuck {
		log.Printf("\n⏱  Reaping jobs stuck for more than %d minutes...", *stuckAfter)
		if *dryRun {
			log.Println("  (skipped in dry-run mode)")
		} else {
			n, err := repo.ReapStuck(ctx, time.Duration(*stuckAfter)*time.Minute)
			if err != nil {
				log.Printf("  ❌ Reap failed: %v", err)
			} else {
				reaped = n
				log.Printf("  Marked %d stuck jobs as FAILED", n)
			}
		}
	}

	// 2. 归档并删除超过保留期的终态任务
	log.Printf("\n📦 Expiring terminal jobs older than %s...", retention)
	if *dryRun {
		expired, freedSize = listExpireCandidates(ctx, repo, cfg.Upload.JobsDir, retention)
	} else {
		archiver, err := archive.Open(cfg.Cleanup.ArchivePath)
		if err != nil {
			log.Fatalf("Failed to open archive: %v", err)
		}

		n, err := repo.ExpireStale(ctx, retention, func(rec *model.JobRecord) error {
			jobDir := filepath.Join(cfg.Upload.JobsDir, rec.JobID)
			freedSize += getDirSize(jobDir)
			if err := archiver.Archive(rec); err != nil {
				return err
			}
			return os.RemoveAll(jobDir)
		})
		if err != nil {
			log.Printf("  ❌ Expire failed: %v", err)
		}
		expired = n

		total, _ := archiver.Count()
		log.Printf("  Archived and removed %d jobs (archive total: %d)", n, total)
	}

	// 3. 统计当前占用
	log.Println("\n📈 Scanning current disk usage...")
	totalSize := int64(0)
	totalFiles := 0
	filepath.Walk(cfg.Upload.JobsDir, func(path string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			totalSize += info.Size()
			totalFiles++
		}
		return nil
	})

	// 输出统计
	log.Println("\n" + strings.Repeat("=", 60))
	log.Println("📊 Cleanup Summary")
	log.Println(strings.Repeat("=", 60))
	log.Printf("Stuck jobs reaped: %d", reaped)
	log.Printf("Jobs expired: %d", expired)
	log.Printf("Freed space: %s", formatSize(freedSize))
	log.Printf("Remaining files: %d (%s)", totalFiles, formatSize(totalSize))
	if *dryRun {
		log.Println("\n⚠️  DRY RUN MODE - Nothing was actually deleted")
		log.Println("   Run with -dry-run=false to apply changes")
	} else {
		log.Println("\n✅ Cleanup completed!")
	}
	log.Println(strings.Repeat("=", 60))
}

// listExpireCandidates 只枚举会被清理的任务，不做任何修改
func listExpireCandidates(ctx context.Context, repo *repository.JobRepository, jobsDir string, retention time.Duration) (int, int64) {
	jobs, err := repo.List(ctx, nil, 10000)
	if err != nil {
		log.Printf("  ❌ Failed to list jobs: %v", err)
		return 0, 0
	}

	cutoff := time.Now().Add(-retention)
	count := 0
	var size int64
	for _, rec := range jobs {
		if rec.Status.Active() || rec.UpdatedAt.After(cutoff) {
			continue
		}
		dirSize := getDirSize(filepath.Join(jobsDir, rec.JobID))
		size += dirSize
		count++
		log.Printf("  - %s (%s, %s, %s old)",
			rec.JobID, rec.Status, formatSize(dirSize),
			time.Since(rec.UpdatedAt).Round(time.Hour))
	}

	log.Printf("Found %d expired jobs (total: %s)", count, formatSize(size))
	return count, size
}

// getDirSize 计算目录大小
func getDirSize(path string) int64 {
	var size int64
	filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return size
}

// formatSize 格式化文件大小
func formatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
