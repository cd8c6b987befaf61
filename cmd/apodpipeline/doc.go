// Command apodpipeline fetches NASA's Astronomy Picture of the Day, stores it
// in a relational table and a CSV file, snapshots the CSV with DVC and commits
// the snapshot metadata with git.
//
// Usage:
//
//	apodpipeline run [--date 2024-05-01]
//	apodpipeline backfill --from 2024-04-01 --to 2024-04-30
//	apodpipeline snapshot data/apod_data.csv
//	apodpipeline commit data/apod_data.csv.dvc
//	apodpipeline history --limit 10
//	apodpipeline schedule
//
// Every command accepts --config pointing at a YAML file; APOD_* environment
// variables override file values (APOD_DB_HOST, APOD_API_KEY, ...).
package main
