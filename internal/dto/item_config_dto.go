package dto

// ItemConfigQuery identifies a course item.
type ItemConfigQuery struct {
	CourseID string `query:"course_id" validate:"required,max=255"`
	ItemID   string `query:"item_id" validate:"required,max=255"`
}
