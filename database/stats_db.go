package database

import (
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/mattn/go-sqlite3"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Question)

// TagCount is one named tag with its number of occurrences
type TagCount struct {
	Tag   string `json:"tag"`
	Count int64  `json:"count"`
}

// TagStats summarizes the tag tables for the telemetry snapshot
type TagStats struct {
	AITags            []TagCount `json:"ai_tags"`
	UserTags          []TagCount `json:"user_tags"`
	TotalTags         int64      `json:"total_tags"`
	TotalImagesTagged int64      `json:"total_images_tagged"`
}

// CountImagesByStatus returns how many image records are in each status
func CountImagesByStatus(db *sql.DB) (map[string]int64, error) {
	queryBuilder := psql.Select("status", "COUNT(*)").
		From("images").
		GroupBy("status")

	sqlStr, args, err := queryBuilder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build SQL query for CountImagesByStatus: %w", err)
	}

	rows, err := db.Query(sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query image status counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan image status count row: %w", err)
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

// CountCompletedImages returns the all-time number of completed records
func CountCompletedImages(db *sql.DB) (int64, error) {
	queryBuilder := psql.Select("COUNT(*)").
		From("images").
		Where(sq.Eq{"status": StatusComplete})

	sqlStr, args, err := queryBuilder.ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build SQL query for CountCompletedImages: %w", err)
	}

	var count int64
	if err := db.QueryRow(sqlStr, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count completed images: %w", err)
	}
	return count, nil
}

// GetTagStats aggregates tag usage per source for the stats snapshot
func GetTagStats(db *sql.DB, topN uint64) (TagStats, error) {
	stats := TagStats{AITags: []TagCount{}, UserTags: []TagCount{}}

	for _, source := range []string{"ai", "user"} {
		queryBuilder := psql.Select("tag", "COUNT(*) AS uses").
			From("image_tags").
			Where(sq.Eq{"source": source}).
			GroupBy("tag").
			OrderBy("uses DESC", "tag ASC").
			Limit(topN)

		sqlStr, args, err := queryBuilder.ToSql()
		if err != nil {
			return stats, fmt.Errorf("failed to build SQL query for GetTagStats(%s): %w", source, err)
		}

		rows, err := db.Query(sqlStr, args...)
		if err != nil {
			return stats, fmt.Errorf("failed to query %s tag counts: %w", source, err)
		}
		for rows.Next() {
			var tc TagCount
			if err := rows.Scan(&tc.Tag, &tc.Count); err != nil {
				rows.Close()
				return stats, fmt.Errorf("failed to scan tag count row: %w", err)
			}
			if source == "ai" {
				stats.AITags = append(stats.AITags, tc)
			} else {
				stats.UserTags = append(stats.UserTags, tc)
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return stats, err
		}
		rows.Close()
	}

	totalBuilder := psql.Select("COUNT(*)", "COUNT(DISTINCT image_id)").From("image_tags")
	sqlStr, args, err := totalBuilder.ToSql()
	if err != nil {
		return stats, fmt.Errorf("failed to build SQL query for tag totals: %w", err)
	}
	if err := db.QueryRow(sqlStr, args...).Scan(&stats.TotalTags, &stats.TotalImagesTagged); err != nil {
		return stats, fmt.Errorf("failed to query tag totals: %w", err)
	}

	return stats, nil
}
