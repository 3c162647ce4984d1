package models

import "time"

// StudentItem identifies a learner's work for one course item.
type StudentItem struct {
	ID        uint      `gorm:"primaryKey" json:"-"`
	StudentID string    `gorm:"size:255;not null;uniqueIndex:idx_student_item" json:"student_id" validate:"required,max=255"`
	CourseID  string    `gorm:"size:255;not null;uniqueIndex:idx_student_item;index:idx_course_item" json:"course_id" validate:"required,max=255"`
	ItemID    string    `gorm:"size:255;not null;uniqueIndex:idx_student_item;index:idx_course_item" json:"item_id" validate:"required,max=255"`
	ItemType  string    `gorm:"size:100;not null;uniqueIndex:idx_student_item" json:"item_type" validate:"required,max=100"`
	CreatedAt time.Time `json:"-"`
}

// SameItem reports whether both identities refer to the same course item, ignoring the learner.
func (s StudentItem) SameItem(other StudentItem) bool {
	return s.CourseID == other.CourseID && s.ItemID == other.ItemID && s.ItemType == other.ItemType
}

// ForStudent returns a copy of the identity bound to another learner.
func (s StudentItem) ForStudent(studentID string) StudentItem {
	return StudentItem{
		StudentID: studentID,
		CourseID:  s.CourseID,
		ItemID:    s.ItemID,
		ItemType:  s.ItemType,
	}
}
