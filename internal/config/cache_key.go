package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// StudentSessionKey returns the cache key for a student's login session
func (r *CacheKeyStruct) StudentSessionKey(studentID int) string {
	return fmt.Sprintf("login:%d", studentID)
}

// AttemptStartKey returns the cache key for a student's attempt start time
func (r *CacheKeyStruct) AttemptStartKey(examID string, studentID int) string {
	return fmt.Sprintf("student:%d:exam:%s:attempt_start", studentID, examID)
}

// StateAnswersKey returns the fast-tier key for a student's answer map
func (r *CacheKeyStruct) StateAnswersKey(examID string, studentID int) string {
	return fmt.Sprintf("student:%d:exam:%s:answers", studentID, examID)
}

// StateFlagsKey returns the fast-tier key for a student's flag map
func (r *CacheKeyStruct) StateFlagsKey(examID string, studentID int) string {
	return fmt.Sprintf("student:%d:exam:%s:flags", studentID, examID)
}

// StateSavedAtKey returns the fast-tier key for a snapshot's save timestamp
func (r *CacheKeyStruct) StateSavedAtKey(examID string, studentID int) string {
	return fmt.Sprintf("student:%d:exam:%s:saved_at", studentID, examID)
}

// ExamPayloadKey returns the cache key for the student-facing exam payload
func (r *CacheKeyStruct) ExamPayloadKey(examID string) string {
	return fmt.Sprintf("exam:%s:payload", examID)
}

// ExamGradingSetKey returns the cache key for the full grading set (with keys)
func (r *CacheKeyStruct) ExamGradingSetKey(examID string) string {
	return fmt.Sprintf("exam:%s:grading_set", examID)
}

// ExamExtensionsKey returns the cache key for an exam's time extensions
func (r *CacheKeyStruct) ExamExtensionsKey(examID string) string {
	return fmt.Sprintf("exam:%s:extensions", examID)
}

var CacheKey = NewCacheKeyStruct()
