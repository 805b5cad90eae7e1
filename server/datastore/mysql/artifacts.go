package mysql

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	"github.com/ssiens-oss/ssiens-oss-static-pod-sub007/server/contexts/ctxerr"
	"github.com/ssiens-oss/ssiens-oss-static-pod-sub007/server/podsub"
)

type imageRow struct {
	podsub.Image
	RawMetadata []byte `db:"metadata"`
}

func (r *imageRow) unpack() (*podsub.Image, error) {
	image := r.Image
	metadata, err := unmarshalMap(r.RawMetadata)
	if err != nil {
		return nil, err
	}
	image.Metadata = metadata
	return &image, nil
}

func (ds *Datastore) NewImage(ctx context.Context, image *podsub.Image) (*podsub.Image, error) {
	metadata, err := marshalMap(image.Metadata)
	if err != nil {
		return nil, ctxerr.Wrap(ctx, err, "marshal image metadata")
	}

	sqlStatement := `
		INSERT INTO images (job_id, url, storage_path, prompt, provider, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	now := ds.clock.Now()
	result, err := ds.db.ExecContext(ctx, sqlStatement,
		image.JobID, image.URL, image.StoragePath, image.Prompt, image.Provider, metadata, now,
	)
	if err != nil {
		return nil, ctxerr.Wrap(ctx, err, "insert image")
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, ctxerr.Wrap(ctx, err, "last insert id for image")
	}

	created := *image
	created.ID = uint(id)
	created.CreatedAt = now
	return &created, nil
}

func (ds *Datastore) Image(ctx context.Context, id uint) (*podsub.Image, error) {
	sqlStatement := `
		SELECT id, job_id, url, storage_path, prompt, provider, metadata, created_at
		FROM images
		WHERE id = ?
	`
	var row imageRow
	err := sqlx.GetContext(ctx, ds.db, &row, sqlStatement, id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, ctxerr.Wrap(ctx, notFound("Image").WithID(id), "get image")
	case err != nil:
		return nil, ctxerr.Wrap(ctx, err, "select image")
	}
	image, err := row.unpack()
	if err != nil {
		return nil, ctxerr.Wrap(ctx, err, "unpack image")
	}
	return image, nil
}

func (ds *Datastore) SaveImage(ctx context.Context, image *podsub.Image) error {
	metadata, err := marshalMap(image.Metadata)
	if err != nil {
		return ctxerr.Wrap(ctx, err, "marshal image metadata")
	}

	return ds.withRetryTxx(ctx, func(tx sqlx.ExtContext) error {
		sqlStatement := `
			UPDATE images SET
				job_id = ?, url = ?, storage_path = ?, prompt = ?, provider = ?, metadata = ?
			WHERE id = ?
		`
		result, err := tx.ExecContext(ctx, sqlStatement,
			image.JobID, image.URL, image.StoragePath, image.Prompt, image.Provider, metadata, image.ID,
		)
		if err != nil {
			return ctxerr.Wrap(ctx, err, "update image")
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return ctxerr.Wrap(ctx, err, "rows affected updating image")
		}
		if rows == 0 {
			return ctxerr.Wrap(ctx, notFound("Image").WithID(image.ID), "save image")
		}
		return nil
	})
}

func (ds *Datastore) ListImages(ctx context.Context, jobID uint) ([]*podsub.Image, error) {
	sqlStatement := `
		SELECT id, job_id, url, storage_path, prompt, provider, metadata, created_at
		FROM images
		WHERE job_id = ?
		ORDER BY id
	`
	var rows []imageRow
	if err := sqlx.SelectContext(ctx, ds.db, &rows, sqlStatement, jobID); err != nil {
		return nil, ctxerr.Wrap(ctx, err, "list images")
	}

	images := make([]*podsub.Image, 0, len(rows))
	for i := range rows {
		image, err := rows[i].unpack()
		if err != nil {
			return nil, ctxerr.Wrap(ctx, err, "unpack image")
		}
		images = append(images, image)
	}
	return images, nil
}

func (ds *Datastore) NewProduct(ctx context.Context, product *podsub.Product) (*podsub.Product, error) {
	status := product.PublishStatus
	if status == "" {
		status = podsub.PublishStatusPending
	}

	sqlStatement := `
		INSERT INTO products (
			job_id, image_id, platform, external_id, title, url,
			publish_status, publish_error, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	now := ds.clock.Now()
	result, err := ds.db.ExecContext(ctx, sqlStatement,
		product.JobID, product.ImageID, product.Platform, product.ExternalID,
		product.Title, product.URL, status, product.PublishError, now,
	)
	switch {
	case isDuplicate(err):
		// A retried attempt re-saving the same listing for this job and
		// image.
		return nil, ctxerr.Wrap(ctx, alreadyExists("Product"), "insert product")
	case err != nil:
		return nil, ctxerr.Wrap(ctx, err, "insert product")
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, ctxerr.Wrap(ctx, err, "last insert id for product")
	}

	created := *product
	created.ID = uint(id)
	created.PublishStatus = status
	created.CreatedAt = now
	return &created, nil
}

func (ds *Datastore) Product(ctx context.Context, id uint) (*podsub.Product, error) {
	sqlStatement := `
		SELECT id, job_id, image_id, platform, external_id, title, url,
			publish_status, publish_error, created_at
		FROM products
		WHERE id = ?
	`
	var product podsub.Product
	err := sqlx.GetContext(ctx, ds.db, &product, sqlStatement, id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, ctxerr.Wrap(ctx, notFound("Product").WithID(id), "get product")
	case err != nil:
		return nil, ctxerr.Wrap(ctx, err, "select product")
	}
	return &product, nil
}

func (ds *Datastore) SaveProduct(ctx context.Context, product *podsub.Product) error {
	return ds.withRetryTxx(ctx, func(tx sqlx.ExtContext) error {
		sqlStatement := `
			UPDATE products SET
				job_id = ?, image_id = ?, platform = ?, external_id = ?, title = ?,
				url = ?, publish_status = ?, publish_error = ?
			WHERE id = ?
		`
		result, err := tx.ExecContext(ctx, sqlStatement,
			product.JobID, product.ImageID, product.Platform, product.ExternalID,
			product.Title, product.URL, product.PublishStatus, product.PublishError,
			product.ID,
		)
		if err != nil {
			return ctxerr.Wrap(ctx, err, "update product")
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return ctxerr.Wrap(ctx, err, "rows affected updating product")
		}
		if rows == 0 {
			return ctxerr.Wrap(ctx, notFound("Product").WithID(product.ID), "save product")
		}
		return nil
	})
}

func (ds *Datastore) ListProducts(ctx context.Context, jobID uint) ([]*podsub.Product, error) {
	sqlStatement := `
		SELECT id, job_id, image_id, platform, external_id, title, url,
			publish_status, publish_error, created_at
		FROM products
		WHERE job_id = ?
		ORDER BY id
	`
	var products []*podsub.Product
	if err := sqlx.SelectContext(ctx, ds.db, &products, sqlStatement, jobID); err != nil {
		return nil, ctxerr.Wrap(ctx, err, "list products")
	}
	return products, nil
}
