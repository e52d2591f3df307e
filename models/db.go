// ...existing code...
package models

import (
	"database/sql"
	"encoding/json"
	"log"
	"os"
	"strings"
	"time"

	"ProductToVideo-server/config"

	_ "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

var DB *sql.DB
var GormDB *gorm.DB

func InitDB() {
	if config.AppConfig == nil {
		log.Fatal("config.AppConfig is nil, call config.InitConfig first")
	}
	dsn := config.AppConfig.MySQL.DSN
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		log.Fatalf("打开数据库失败: %v", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		log.Fatalf("连接数据库失败: %v", err)
	}

	DB = db
	GormDB, err = gorm.Open(mysql.New(mysql.Config{
		Conn: DB,
	}), &gorm.Config{})
	if err != nil {
		log.Fatalf("GORM 初始化失败: %v", err)
	}

	log.Println("数据库连接成功 (Native SQL + GORM)")

	// 自动建表（读取 doc/sql/ProductToVideo.sql）
	b, err := os.ReadFile("doc/sql/ProductToVideo.sql")
	if err != nil {
		log.Printf("读取 SQL 文件失败（跳过建表）: %v", err)
		return
	}
	sqls := strings.Split(string(b), ";")
	for _, s := range sqls {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, err := DB.Exec(s); err != nil {
			log.Printf("执行建表语句失败: %v ; sql: %s", err, s)
		}
	}
}

// Project CRUD
func CreateProject(p *Project) error {
	now := time.Now()
	p.CreatedAt = now
	p.UpdatedAt = now
	images, _ := json.Marshal(p.ProductImages)
	_, err := DB.Exec(
		`INSERT INTO project (id, title, product_url, product_description, product_images, narration_text, voice, audio_url, subtitle_url, status, processing, cover_image, video_url, scene_count, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Title, p.ProductURL, p.ProductDescription, images, p.NarrationText, p.Voice, p.AudioUrl, p.SubtitleUrl, p.Status, p.Processing, p.CoverImage, p.VideoUrl, p.SceneCount, p.CreatedAt, p.UpdatedAt,
	)
	return err
}

func GetProjectByID(id string) (Project, error) {
	var p Project
	row := DB.QueryRow(`SELECT id, title, product_url, product_description, product_images, narration_text, voice, audio_url, subtitle_url, status, processing, cover_image, video_url, scene_count, created_at, updated_at FROM project WHERE id = ?`, id)
	var images []byte
	var createdAt, updatedAt time.Time
	if err := row.Scan(&p.ID, &p.Title, &p.ProductURL, &p.ProductDescription, &images, &p.NarrationText, &p.Voice, &p.AudioUrl, &p.SubtitleUrl, &p.Status, &p.Processing, &p.CoverImage, &p.VideoUrl, &p.SceneCount, &createdAt, &updatedAt); err != nil {
		return p, err
	}
	if len(images) > 0 {
		_ = json.Unmarshal(images, &p.ProductImages)
	}
	p.CreatedAt = createdAt
	p.UpdatedAt = updatedAt
	return p, nil
}

func UpdateProjectByID(id string, title, narrationText string) error {
	_, err := DB.Exec(`UPDATE project SET title = ?, narration_text = ?, updated_at = ? WHERE id = ?`, title, narrationText, time.Now(), id)
	return err
}

func DeleteProjectByID(id string) error {
	if _, err := DB.Exec(`DELETE FROM scene WHERE project_id = ?`, id); err != nil {
		return err
	}
	_, err := DB.Exec(`DELETE FROM project WHERE id = ?`, id)
	return err
}

// Scene 原生 SQL 查询（供 WebSocket 推送等只读路径使用，写路径一律走 GormSceneStore.Mutate）
func GetScenesByProjectID(projectID string) ([]Scene, error) {
	rows, err := DB.Query(`SELECT id, project_id, `+"`order`"+`, start_time_ms, end_time_ms, ref_image_path, ref_description, image_prompt, video_prompt, image_path, video_path, thumb_path, approved, is_generating, is_changing_clothes, is_generating_video, generation_attempt, clothes_change_attempt, generation_error_message, queue_request_id, queue_status_message, created_at, updated_at FROM scene WHERE project_id = ? ORDER BY `+"`order`"+` ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Scene
	for rows.Next() {
		s, err := scanScene(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, nil
}

func GetSceneByID(sceneID string) (Scene, error) {
	row := DB.QueryRow(`SELECT id, project_id, `+"`order`"+`, start_time_ms, end_time_ms, ref_image_path, ref_description, image_prompt, video_prompt, image_path, video_path, thumb_path, approved, is_generating, is_changing_clothes, is_generating_video, generation_attempt, clothes_change_attempt, generation_error_message, queue_request_id, queue_status_message, created_at, updated_at FROM scene WHERE id = ?`, sceneID)
	return scanScene(row)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanScene(row rowScanner) (Scene, error) {
	var s Scene
	var errMsg, reqID, queueMsg sql.NullString
	var createdAt, updatedAt time.Time
	if err := row.Scan(&s.ID, &s.ProjectId, &s.Order, &s.StartTimeMs, &s.EndTimeMs, &s.RefImagePath, &s.RefDescription, &s.ImagePrompt, &s.VideoPrompt, &s.ImagePath, &s.VideoPath, &s.ThumbPath, &s.Approved, &s.IsGenerating, &s.IsChangingClothes, &s.IsGeneratingVideo, &s.GenerationAttempt, &s.ClothesChangeAttempt, &errMsg, &reqID, &queueMsg, &createdAt, &updatedAt); err != nil {
		return s, err
	}
	if errMsg.Valid {
		s.GenerationErrorMessage = errMsg.String
	}
	if reqID.Valid {
		s.QueueRequestId = reqID.String
	}
	if queueMsg.Valid {
		s.QueueStatusMessage = queueMsg.String
	}
	s.CreatedAt = createdAt
	s.UpdatedAt = updatedAt
	return s, nil
}

func DeleteSceneByID(projectID, sceneID string) error {
	_, err := DB.Exec(`DELETE FROM scene WHERE id = ? AND project_id = ?`, sceneID, projectID)
	return err
}
