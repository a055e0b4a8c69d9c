package syncer

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/tradewind/marketsync/internal/fetch"
	"github.com/tradewind/marketsync/internal/types"
	"github.com/tradewind/marketsync/internal/worker"
)

// Image geometry limits. Source CDN images run up to several thousand
// pixels; anything above resizeMaxDim gets scaled down in place.
const (
	resizeMaxDim = 1600
	thumbDim     = 256
	jpegQuality  = 80
)

var imageExt = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

// blobPath maps a content key to its sharded path under the image dir.
func (c *Coordinator) blobPath(key string) string {
	if len(key) < 4 {
		return filepath.Join(c.opts.ImageDir, key)
	}
	return filepath.Join(c.opts.ImageDir, key[:2], key[2:4], key)
}

// writeBlob stores data content-addressed and returns the object key.
// An existing blob with the same content is left untouched.
func (c *Coordinator) writeBlob(data []byte, ext string) (string, error) {
	sum := sha256.Sum256(data)
	key := hex.EncodeToString(sum[:]) + ext
	path := c.blobPath(key)
	if _, err := os.Stat(path); err == nil {
		return key, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", err
	}
	return key, os.Rename(tmp, path)
}

// imageDownload is the image.download handler: fetch the blob, store it
// content-addressed, record key and dimensions on the image row. Main
// images get a follow-up thumbnail task.
func (c *Coordinator) imageDownload(ctx context.Context, tc *worker.TaskContext, raw json.RawMessage) error {
	var args ImageArgs
	if err := worker.DecodeArgs(tc.TaskName(), raw, &args); err != nil {
		return err
	}
	if args.URL == "" || args.ImageID == 0 {
		return worker.ArgsError(tc.TaskName(), fmt.Errorf("image_id and url are required"))
	}
	if c.opts.ImageDir == "" {
		return worker.ArgsError(tc.TaskName(), fmt.Errorf("image dir not configured"))
	}

	resp, err := c.fetcher.Fetch(ctx, fetch.Request{URL: args.URL, IgnoreRobots: true})
	if err != nil {
		return err
	}

	contentType := http.DetectContentType(resp.Body)
	ext, ok := imageExt[contentType]
	if !ok {
		return worker.ArgsError(tc.TaskName(), fmt.Errorf("%s is not an image (%s)", args.URL, contentType))
	}

	width, height := 0, 0
	if cfg, _, err := image.DecodeConfig(bytes.NewReader(resp.Body)); err == nil {
		width, height = cfg.Width, cfg.Height
	}

	key, err := c.writeBlob(resp.Body, ext)
	if err != nil {
		return fmt.Errorf("failed to store image blob: %w", err)
	}
	if err := c.store.SetImageObject(ctx, args.ImageID, key, int64(len(resp.Body)), width, height); err != nil {
		return err
	}
	tc.Logger().Info("image stored",
		zap.String("product", args.ProductRef),
		zap.String("key", key),
		zap.Int("width", width), zap.Int("height", height))

	followUp := ImageArgs{ImageID: args.ImageID, ProductRef: args.ProductRef, ObjectKey: key}
	if width > resizeMaxDim || height > resizeMaxDim {
		if _, err := c.queue.Enqueue(ctx, "image.resize", followUp, types.QueueImage, types.PriorityLow, time.Time{}); err != nil {
			tc.Logger().Warn("resize enqueue failed", zap.Error(err))
		}
	}
	if args.Kind == string(types.ImageMain) {
		if _, err := c.queue.Enqueue(ctx, "image.thumbnail", followUp, types.QueueImage, types.PriorityLow, time.Time{}); err != nil {
			tc.Logger().Warn("thumbnail enqueue failed", zap.Error(err))
		}
	}
	return nil
}

// loadBlob reads and decodes a stored image object.
func (c *Coordinator) loadBlob(key string) (image.Image, []byte, error) {
	data, err := os.ReadFile(c.blobPath(key))
	if err != nil {
		return nil, nil, err
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to decode image %s: %w", key, err)
	}
	return img, data, nil
}

// scale resamples img so its longer edge is at most maxDim.
func scale(img image.Image, maxDim int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= maxDim && h <= maxDim {
		return img
	}
	if w >= h {
		h = h * maxDim / w
		w = maxDim
	} else {
		w = w * maxDim / h
		h = maxDim
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return dst
}

func encodeJPEG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// imageResize is the image.resize handler: scale oversized blobs down
// to resizeMaxDim and repoint the image row at the smaller object.
func (c *Coordinator) imageResize(ctx context.Context, tc *worker.TaskContext, raw json.RawMessage) error {
	var args ImageArgs
	if err := worker.DecodeArgs(tc.TaskName(), raw, &args); err != nil {
		return err
	}
	if args.ObjectKey == "" || args.ImageID == 0 {
		return worker.ArgsError(tc.TaskName(), fmt.Errorf("image_id and object_key are required"))
	}

	img, _, err := c.loadBlob(args.ObjectKey)
	if err != nil {
		return err
	}
	scaled := scale(img, resizeMaxDim)
	if scaled == img {
		return nil
	}
	data, err := encodeJPEG(scaled)
	if err != nil {
		return err
	}
	key, err := c.writeBlob(data, ".jpg")
	if err != nil {
		return err
	}
	b := scaled.Bounds()
	return c.store.SetImageObject(ctx, args.ImageID, key, int64(len(data)), b.Dx(), b.Dy())
}

// imageOptimize is the image.optimize handler: re-encode a blob at the
// standard quality and keep the smaller of the two.
func (c *Coordinator) imageOptimize(ctx context.Context, tc *worker.TaskContext, raw json.RawMessage) error {
	var args ImageArgs
	if err := worker.DecodeArgs(tc.TaskName(), raw, &args); err != nil {
		return err
	}
	if args.ObjectKey == "" || args.ImageID == 0 {
		return worker.ArgsError(tc.TaskName(), fmt.Errorf("image_id and object_key are required"))
	}

	img, original, err := c.loadBlob(args.ObjectKey)
	if err != nil {
		return err
	}
	data, err := encodeJPEG(img)
	if err != nil {
		return err
	}
	if len(data) >= len(original) {
		return nil
	}
	key, err := c.writeBlob(data, ".jpg")
	if err != nil {
		return err
	}
	b := img.Bounds()
	return c.store.SetImageObject(ctx, args.ImageID, key, int64(len(data)), b.Dx(), b.Dy())
}

// imageThumbnail is the image.thumbnail handler: derive a small preview
// blob stored next to the original under a derived key.
func (c *Coordinator) imageThumbnail(ctx context.Context, tc *worker.TaskContext, raw json.RawMessage) error {
	var args ImageArgs
	if err := worker.DecodeArgs(tc.TaskName(), raw, &args); err != nil {
		return err
	}
	if args.ObjectKey == "" {
		return worker.ArgsError(tc.TaskName(), fmt.Errorf("object_key is required"))
	}

	img, _, err := c.loadBlob(args.ObjectKey)
	if err != nil {
		return err
	}
	data, err := encodeJPEG(scale(img, thumbDim))
	if err != nil {
		return err
	}
	path := c.blobPath(ThumbKey(args.ObjectKey))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// ThumbKey derives the thumbnail object key for an original blob key.
func ThumbKey(key string) string {
	ext := filepath.Ext(key)
	return key[:len(key)-len(ext)] + "_thumb.jpg"
}

// imageCleanupOrphans is the image.cleanup_orphans handler: drop image
// rows whose product is gone and prune empty shard directories.
func (c *Coordinator) imageCleanupOrphans(ctx context.Context, tc *worker.TaskContext, raw json.RawMessage) error {
	removed, err := c.store.SweepOrphanImages(ctx)
	if err != nil {
		return err
	}
	tc.Logger().Info("orphan image rows removed", zap.Int("count", removed))

	if c.opts.ImageDir == "" {
		return nil
	}
	// Empty shard directories accumulate as products churn.
	shards, err := filepath.Glob(filepath.Join(c.opts.ImageDir, "??", "??"))
	if err != nil {
		return nil
	}
	for _, dir := range shards {
		entries, err := os.ReadDir(dir)
		if err == nil && len(entries) == 0 {
			_ = os.Remove(dir)
		}
	}
	return nil
}
