package main

import (
	"fmt"
	"log"

	"github.com/glebarez/sqlite"
	"github.com/hzliu/datapilot/internal/storage"
	"gorm.io/gorm"
)

func main() {
	// Connect to the database
	db, err := gorm.Open(sqlite.Open("datapilot.db"), &gorm.Config{})
	if err != nil {
		log.Fatalf("failed to connect database: %v", err)
	}

	fmt.Println("--- Verifying DataPilot Database ---")

	// Verify MemoryRecords
	var memCount int64
	// We need to verify if the table exists first to avoid panic if migration didn't run
	if !db.Migrator().HasTable(&storage.MemoryRecord{}) {
		fmt.Println("Table 'memory_records' does not exist yet.")
	} else {
		db.Model(&storage.MemoryRecord{}).Count(&memCount)
		fmt.Printf("Total Memory Records: %d\n", memCount)

		if memCount > 0 {
			var recs []storage.MemoryRecord
			db.Order("updated_at desc").Limit(5).Find(&recs)
			fmt.Println("Latest 5 Memory Records (Local Time):")
			for _, r := range recs {
				fmt.Printf("  [%s] session=%s file=%s user=%d conv=%dB vars=%dB\n",
					r.UpdatedAt.Local().Format("2006-01-02 15:04:05"), r.SessionID, r.FileID, r.UserID,
					len(r.Conversation), len(r.Variables))
			}
		}
	}

	fmt.Println("\n------------------------------------")

	// Verify ExecutionAttempts
	var attCount int64
	if !db.Migrator().HasTable(&storage.ExecutionAttempt{}) {
		fmt.Println("Table 'execution_attempts' does not exist yet.")
	} else {
		db.Model(&storage.ExecutionAttempt{}).Count(&attCount)
		fmt.Printf("Total Execution Attempts: %d\n", attCount)

		if attCount > 0 {
			var atts []storage.ExecutionAttempt
			db.Order("created_at desc").Limit(5).Find(&atts)
			fmt.Println("Latest 5 Attempts (Local Time):")
			for _, a := range atts {
				fault := a.Fault
				if len(fault) > 50 {
					fault = fault[:47] + "..."
				}
				fmt.Printf("  [%s] session=%s attempt=%d status=%s %s\n",
					a.CreatedAt.Local().Format("2006-01-02 15:04:05"), a.SessionID, a.Attempt, a.Status, fault)
			}
		}
	}
}
